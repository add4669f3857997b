// Package blobcache is a persistent, type-tagged key-value object cache
// backed by SQLite.
//
// Values are serialized to msgpack, wrapped in an integrity frame, run
// through an optional transform pipeline (compression, encryption), and
// stored as BLOBs in a single table together with the tag of the type they
// were stored as, their creation time, and an optional expiration.
//
// # Engine
//
// A [Cache] is constructed with [New] and functional options. The database
// is opened lazily on the first operation and shared by every Cache using
// the same store; [Cache.Close] tears the connection down, and the next
// operation reopens it.
//
// Typed operations are package-level generic functions over a Cache, since
// Go does not allow generic methods: [Get], [GetAll], [Insert],
// [Invalidate], [InvalidateAllOf]. Each derives the type tag with [Tag];
// the Tagged variants accept an explicit tag instead. Untyped maintenance
// lives on the Cache itself: [Cache.InvalidateAll], [Cache.Vacuum],
// [Cache.Flush], [Cache.Keys], [Cache.CreatedAt].
//
// Expiration is passive. An expired entry stays readable until
// [Cache.Vacuum] sweeps it; entries inserted without an expiration are
// never swept.
//
// # Bulk operations
//
// [GetMany], [InsertMany], [InvalidateMany], and [CreatedAtMany] run their
// per-key steps inside one transaction. A missing key is skipped; any other
// failure rolls the whole call back.
//
// # Read-through
//
// [Fetch] combines Get with a loader invoked on a miss, deduplicating
// concurrent loads for the same key and tag via singleflight.
package blobcache

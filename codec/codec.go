// Package codec turns typed values into persisted bytes and back.
//
// A value is msgpack-encoded, prefixed with an xxhash64 integrity frame, and
// then run through an ordered pipeline of byte transforms (compression,
// encryption, anything satisfying [Transform]). Readers apply the pipeline
// in exactly reverse order, so a Codec decodes only what an identically
// configured Codec encoded.
package codec

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecode marks every failure to turn stored bytes back into a value:
// truncated input, checksum mismatch, a failing transform, or a msgpack
// shape that does not fit the requested type.
var ErrDecode = errors.New("codec: decode failed")

// frameSize is the xxhash64 checksum prefix on the msgpack body.
const frameSize = 8

// Transform is one reversible byte transformation in the pipeline.
// Apply(Revert(b)) == b must hold for any b produced by Apply.
type Transform interface {
	// Name identifies the transform in error messages.
	Name() string
	// Apply runs on write, after serialization.
	Apply(data []byte) ([]byte, error)
	// Revert runs on read, before deserialization.
	Revert(data []byte) ([]byte, error)
}

// Codec encodes and decodes values through a fixed transform pipeline.
// The zero pipeline is the identity. A Codec is safe for concurrent use if
// its transforms are.
type Codec struct {
	transforms []Transform
}

// New returns a Codec applying the given transforms in order on write and
// in reverse order on read.
func New(transforms ...Transform) *Codec {
	return &Codec{transforms: transforms}
}

// Encode serializes v and runs the pipeline.
func (c *Codec) Encode(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	data := make([]byte, frameSize+len(body))
	binary.BigEndian.PutUint64(data, xxhash.Sum64(body))
	copy(data[frameSize:], body)
	for _, t := range c.transforms {
		if data, err = t.Apply(data); err != nil {
			return nil, errors.Wrapf(err, "codec: %s transform", t.Name())
		}
	}
	return data, nil
}

// Decode reverses the pipeline and deserializes into out, which must be a
// non-nil pointer. Any failure is marked ErrDecode.
func (c *Codec) Decode(data []byte, out any) error {
	var err error
	for i := len(c.transforms) - 1; i >= 0; i-- {
		t := c.transforms[i]
		if data, err = t.Revert(data); err != nil {
			return errors.Mark(errors.Wrapf(err, "codec: %s transform", t.Name()), ErrDecode)
		}
	}
	if len(data) < frameSize {
		return errors.Mark(errors.Newf("codec: truncated payload (%d bytes)", len(data)), ErrDecode)
	}
	body := data[frameSize:]
	if sum := xxhash.Sum64(body); sum != binary.BigEndian.Uint64(data) {
		return errors.Mark(errors.New("codec: payload checksum mismatch"), ErrDecode)
	}
	if err := msgpack.Unmarshal(body, out); err != nil {
		return errors.Mark(errors.Wrap(err, "codec: unmarshal"), ErrDecode)
	}
	return nil
}

package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
)

type compressionTransform struct {
	level int
}

// Compression returns a gzip transform at the default compression level.
// Worth putting in the pipeline when payloads are large or repetitive;
// tiny payloads grow slightly.
func Compression() Transform {
	return &compressionTransform{level: gzip.DefaultCompression}
}

// CompressionLevel returns a gzip transform at the given level
// (gzip.BestSpeed through gzip.BestCompression).
func CompressionLevel(level int) Transform {
	return &compressionTransform{level: level}
}

func (t *compressionTransform) Name() string { return "gzip" }

func (t *compressionTransform) Apply(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, t.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *compressionTransform) Revert(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type encryptionTransform struct {
	aead cipher.AEAD
}

// Encryption returns an AES-GCM transform. The key must be 16, 24, or 32
// bytes. The nonce is generated per write and prefixed to the ciphertext,
// so Revert needs nothing beyond the same key.
func Encryption(key []byte) (Transform, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "codec: encryption key")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "codec: create GCM")
	}
	return &encryptionTransform{aead: aead}, nil
}

func (t *encryptionTransform) Name() string { return "aes-gcm" }

func (t *encryptionTransform) Apply(data []byte) ([]byte, error) {
	nonce := make([]byte, t.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return t.aead.Seal(nonce, nonce, data, nil), nil
}

func (t *encryptionTransform) Revert(data []byte) ([]byte, error) {
	if len(data) < t.aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:t.aead.NonceSize()], data[t.aead.NonceSize():]
	return t.aead.Open(nil, nonce, ciphertext, nil)
}

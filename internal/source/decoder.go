package source

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Decoder undoes object-level compression before columnar decoding.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a decoder. DecodeAll is safe for concurrent use.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Decode returns the raw bytes of an object, decompressing when the key
// says it is zstd compressed.
func (d *Decoder) Decode(key string, data []byte) ([]byte, error) {
	if !IsCompressed(key) {
		return data, nil
	}
	raw, err := d.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	return raw, nil
}

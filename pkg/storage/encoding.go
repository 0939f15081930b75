package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeEmbedding serializes a vector into a raw little-endian float32
// buffer for the embedding column. A nil vector encodes to nil (stored as
// SQL NULL).
func EncodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding deserializes a raw little-endian float32 buffer. A nil
// or empty buffer decodes to nil.
func DecodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding buffer: %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

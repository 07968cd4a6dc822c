package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// =============================================================================
// VECTOR SERIALIZATION
// =============================================================================
// Embeddings serialize to little-endian float32 before envelope encryption.

// EncodeVector serializes an embedding to bytes.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeVector deserializes an embedding from bytes.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

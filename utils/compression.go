package utils

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// CompressionAlgorithm defines supported compression methods
type CompressionAlgorithm byte

const (
	CompressionNone   CompressionAlgorithm = 0
	CompressionBrotli CompressionAlgorithm = 1
)

// compressThreshold keeps small payloads uncompressed.
const compressThreshold = 1024

// CompressData compresses data using the specified algorithm
func CompressData(data []byte, algorithm CompressionAlgorithm) ([]byte, error) {
	switch algorithm {
	case CompressionNone:
		return data, nil
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write to brotli writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close brotli writer: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}

// DecompressData decompresses data using the specified algorithm
func DecompressData(compressed []byte, algorithm CompressionAlgorithm) ([]byte, error) {
	switch algorithm {
	case CompressionNone:
		return compressed, nil
	case CompressionBrotli:
		data, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
		if err != nil {
			return nil, fmt.Errorf("failed to read from brotli reader: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algorithm)
	}
}

// Pack prefixes data with a one-byte algorithm tag, compressing payloads above 1KB.
func Pack(data []byte) ([]byte, error) {
	algorithm := CompressionNone
	if len(data) > compressThreshold {
		algorithm = CompressionBrotli
	}
	body, err := CompressData(data, algorithm)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(algorithm))
	return append(out, body...), nil
}

// Unpack reverses Pack.
func Unpack(packed []byte) ([]byte, error) {
	if len(packed) == 0 {
		return nil, fmt.Errorf("empty packed payload")
	}
	return DecompressData(packed[1:], CompressionAlgorithm(packed[0]))
}

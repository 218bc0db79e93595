package sqlite

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Values at or above this size are stored zstd-compressed. Adapters
// cache whole raw webhook payloads through the KV surface, and those
// compress well.
const compressThreshold = 512

const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("sqlite: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("sqlite: init zstd decoder: %v", err))
	}
}

func encodeValue(value []byte) ([]byte, string) {
	if len(value) < compressThreshold {
		return value, compressionNone
	}
	return encoder.EncodeAll(value, make([]byte, 0, len(value)/2)), compressionZstd
}

func decodeValue(value []byte, compression string) ([]byte, error) {
	switch compression {
	case compressionZstd:
		return decoder.DecodeAll(value, nil)
	case compressionNone, "":
		return value, nil
	default:
		return nil, fmt.Errorf("sqlite: unsupported compression: %q", compression)
	}
}

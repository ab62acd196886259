package cmc

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements Compressor with one-shot zstd (EncodeAll),
// the byte-level, semantics-free compression of the lossless tier policy.
type ZstdCompressor struct {
	encoder *zstd.Encoder
}

// NewZstdCompressor builds a reusable encoder. zstd.Encoder is safe
// for concurrent use once constructed.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("build zstd encoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc}, nil
}

// Compress implements Compressor.
func (z *ZstdCompressor) Compress(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := z.encoder.EncodeAll(content, nil)
	buf.Write(w)
	return buf.Bytes(), nil
}

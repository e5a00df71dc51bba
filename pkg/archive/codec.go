package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// longWindowSize is the zstd window used by MethodZstd. Decoders are configured
// with the same limit so every archive written here can be read back.
const longWindowSize = 1 << 27

func newCompressor(w io.Writer, m Method) (io.WriteCloser, error) {
	switch m {
	case MethodZstd:
		enc, err := zstd.NewWriter(w, zstd.WithWindowSize(longWindowSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	case MethodZstdWithoutLong:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	default:
		gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gz, nil
	}
}

func newDecompressor(r io.Reader, m Method) (io.ReadCloser, error) {
	switch m {
	case MethodZstd, MethodZstdWithoutLong:
		dec, err := zstd.NewReader(r, zstd.WithDecoderMaxWindow(longWindowSize), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	}
}

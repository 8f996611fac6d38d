package compress

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	TypeNone = "none"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
	TypeLZ4  = "lz4"
)

// WrapWriter compresses an archive stream. zstd and lz4 frames carry their
// own content checksums so a damaged archive fails on extraction as well as
// on the archive_checksum comparison.
func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case "", TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		return gzip.NewWriter(w), nil
	case TypeZstd:
		return zstd.NewWriter(w, zstd.WithEncoderCRC(true), zstd.WithEncoderLevel(zstd.SpeedDefault))
	case TypeLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.ChecksumOption(true), lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, fmt.Errorf("lz4 options: %w", err)
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// WrapReader reverses WrapWriter. Restores read one archive at a time, so
// the zstd decoder runs without background goroutines.
func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	case TypeLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// Extension returns the file suffix for kind, without a leading dot.
func Extension(kind string) string {
	switch kind {
	case TypeGzip:
		return "gz"
	case TypeZstd:
		return "zst"
	case TypeLZ4:
		return "lz4"
	default:
		return ""
	}
}

// FromExtension guesses the compression of an archive from its name.
func FromExtension(name string) string {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return TypeGzip
	case strings.HasSuffix(name, ".zst"):
		return TypeZstd
	case strings.HasSuffix(name, ".lz4"):
		return TypeLZ4
	default:
		return TypeNone
	}
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

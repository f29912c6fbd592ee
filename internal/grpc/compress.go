package grpc

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	// Name returns the identifier advertised in the stream header.
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// CompressorFor resolves a compressor by name. An empty name selects gzip.
func CompressorFor(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gzip":
		return NewGZIPCompressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "identity", "none":
		return identityCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", name)
	}
}

type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip.
func NewGZIPCompressor() Compressor {
	return gzipCompressor{}
}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor using snappy block encoding.
func NewSnappyCompressor() Compressor {
	return snappyCompressor{}
}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

type identityCompressor struct{}

func (identityCompressor) Name() string { return "identity" }

func (identityCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (identityCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

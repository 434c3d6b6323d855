package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultMaxInflatedBytes bounds a single decompressed payload.
const DefaultMaxInflatedBytes int64 = 64 << 20

// Decompressor inflates a compressed payload.
type Decompressor interface {
	Decompress(src []byte) ([]byte, error)
}

// Compressor deflates a payload; the inverse of Decompressor.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
}

// Gzip implements Decompressor and Compressor with klauspost's gzip.
type Gzip struct {
	// MaxBytes caps the inflated size; zero means DefaultMaxInflatedBytes.
	MaxBytes int64
	// Level is the compression level; zero means gzip.DefaultCompression.
	Level int
}

// Decompress inflates gzip data.
func (g Gzip) Decompress(src []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	limit := g.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxInflatedBytes
	}
	out, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("gzip inflate: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("gzip inflate: payload exceeds %d bytes", limit)
	}
	return out, nil
}

// Compress deflates data into gzip format.
func (g Gzip) Compress(src []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := writer.Write(src); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBase64 accepts padded and unpadded standard base64, ignoring surrounding whitespace
// and embedded line breaks.
func decodeBase64(text string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, text)
	if out, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return out, nil
}

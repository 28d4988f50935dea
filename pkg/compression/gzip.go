// Package compression implements AS4 payload compression
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Mode is the compression applied to an attachment, named by the MIME type
// of its container.
type Mode string

const (
	// ModeNone leaves the payload untouched
	ModeNone Mode = ""
	// ModeGZIP is the standard AS4 GZIP compression
	ModeGZIP Mode = "application/gzip"
)

// Valid reports whether the mode is supported.
func (m Mode) Valid() bool {
	return m == ModeNone || m == ModeGZIP
}

// Enabled reports whether the mode compresses anything.
func (m Mode) Enabled() bool {
	return m != ModeNone
}

// MimeType returns the MIME type of the compressed container.
func (m Mode) MimeType() string {
	return string(m)
}

// FileExtension returns the customary file suffix for the container.
func (m Mode) FileExtension() string {
	if m == ModeGZIP {
		return ".gz"
	}
	return ""
}

// ParseMode maps a CompressionType part property to a Mode.
func ParseMode(mimeType string) (Mode, error) {
	switch mimeType {
	case "":
		return ModeNone, nil
	case string(ModeGZIP), "application/x-gzip":
		return ModeGZIP, nil
	}
	return ModeNone, fmt.Errorf("unsupported compression type %q", mimeType)
}

// Compressor handles payload compression
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// CompressTo streams src into dst as GZIP.
func (c *Compressor) CompressTo(dst io.Writer, src io.Reader) error {
	writer, err := gzip.NewWriterLevel(dst, c.compressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

// DecompressTo streams GZIP data from src into dst.
func (c *Compressor) DecompressTo(dst io.Writer, src io.Reader) error {
	reader, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(dst, reader); err != nil {
		return fmt.Errorf("failed to read compressed data: %w", err)
	}
	return nil
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.DecompressTo(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	switch contentType {
	case "application/gzip", "application/x-gzip", "application/zip",
		"image/jpeg", "image/png", "video/mp4", "audio/mpeg":
		return false
	}
	return true
}

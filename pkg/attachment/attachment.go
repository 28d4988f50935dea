package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
)

var (
	// ErrNotFound is returned when no attachment has the requested Content-ID
	ErrNotFound = errors.New("attachment not found")
)

// Attachment is a single payload part. Content lives either in memory or in
// a file owned by a Scope.
type Attachment struct {
	// ID is the Content-ID without brackets or cid: prefix
	ID string
	// MimeType is the type of the original, uncompressed payload
	MimeType string
	// Compression is the compression applied to the current content
	Compression             compression.Mode
	Charset                 string
	ContentTransferEncoding string
	// Encrypted marks content replaced by an XML Encryption structure
	Encrypted bool

	data []byte
	path string
}

// New creates an in-memory attachment.
func New(id, mimeType string, data []byte) *Attachment {
	return &Attachment{
		ID:                      message.NormalizeContentID(id),
		MimeType:                mimeType,
		ContentTransferEncoding: "binary",
		data:                    data,
	}
}

// NewFile creates an attachment backed by the file at path. The caller owns
// the file unless it was created by a Scope.
func NewFile(id, mimeType, path string) *Attachment {
	return &Attachment{
		ID:                      message.NormalizeContentID(id),
		MimeType:                mimeType,
		ContentTransferEncoding: "binary",
		path:                    path,
	}
}

// EffectiveMimeType is the type of the bytes as they are signed, encrypted
// and transmitted. Compressed content reports the container type and
// encrypted content is opaque.
func (a *Attachment) EffectiveMimeType() string {
	switch {
	case a.Encrypted:
		return "application/octet-stream"
	case a.Compression.Enabled():
		return a.Compression.MimeType()
	case a.MimeType == "":
		return "application/octet-stream"
	}
	return a.MimeType
}

// IsFileBacked reports whether content is read from disk.
func (a *Attachment) IsFileBacked() bool {
	return a.path != ""
}

// Open returns a reader over the current content.
func (a *Attachment) Open() (io.ReadCloser, error) {
	if a.path != "" {
		f, err := os.Open(a.path)
		if err != nil {
			return nil, fmt.Errorf("opening attachment %s: %w", a.ID, err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

// Bytes reads the whole content.
func (a *Attachment) Bytes() ([]byte, error) {
	if a.path == "" {
		return a.data, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", a.ID, err)
	}
	return data, nil
}

// WithContent returns a copy of a holding data in memory. Metadata is kept.
func (a *Attachment) WithContent(data []byte) *Attachment {
	cp := *a
	cp.data = data
	cp.path = ""
	return &cp
}

// PartProperties renders the metadata carried in the PartInfo of the
// UserMessage header.
func (a *Attachment) PartProperties() []message.Property {
	props := []message.Property{{Name: message.PartPropertyMimeType, Value: a.MimeType}}
	if a.Compression.Enabled() {
		props = append(props, message.Property{Name: message.PartPropertyCompressionType, Value: a.Compression.MimeType()})
	}
	if a.Charset != "" {
		props = append(props, message.Property{Name: message.PartPropertyCharacterSet, Value: a.Charset})
	}
	return props
}

// PartInfo builds the header reference for a.
func (a *Attachment) PartInfo() message.PartInfo {
	pi := message.NewPartInfo(a.ID)
	pi.Properties = a.PartProperties()
	return pi
}

// ApplyPartInfo copies PartInfo metadata onto a. Unknown compression types
// are rejected.
func (a *Attachment) ApplyPartInfo(meta *message.PayloadMetadata) error {
	if meta == nil {
		return nil
	}
	if meta.MimeType != "" {
		a.MimeType = meta.MimeType
	}
	if meta.CharacterSet != "" {
		a.Charset = meta.CharacterSet
	}
	mode, err := compression.ParseMode(meta.CompressionType)
	if err != nil {
		return fmt.Errorf("attachment %s: %w", a.ID, err)
	}
	a.Compression = mode
	return nil
}

// List is an ordered set of attachments of one message.
type List []*Attachment

// Find returns the attachment with the given Content-ID in any notation.
func (l List) Find(id string) *Attachment {
	for _, a := range l {
		if message.MatchContentID(a.ID, id) {
			return a
		}
	}
	return nil
}

// Resolve opens the attachment with the given Content-ID.
func (l List) Resolve(id string) (io.ReadCloser, error) {
	a := l.Find(id)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Open()
}

// IDs returns the Content-IDs in order.
func (l List) IDs() []string {
	ids := make([]string, len(l))
	for i, a := range l {
		ids[i] = a.ID
	}
	return ids
}

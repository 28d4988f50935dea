// Package mime implements MIME multipart/related message handling for AS4
package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeTextXML is the SOAP 1.1 envelope type
	ContentTypeTextXML = "text/xml"
	// ContentTypeSOAPXML is the SOAP 1.2 envelope type
	ContentTypeSOAPXML = "application/soap+xml"
)

// EnvelopeContentType returns the MIME type of an envelope in soapNS.
func EnvelopeContentType(soapNS string) string {
	if soapNS == message.NsSOAP11 {
		return ContentTypeTextXML
	}
	return ContentTypeSOAPXML
}

// Message represents a complete AS4 MIME message
type Message struct {
	Boundary     string
	StartID      string
	EnvelopeType string
	Envelope     []byte
	Attachments  attachment.List
}

// NewMessage packages a serialized envelope with its attachments.
func NewMessage(envelope []byte, soapNS string, atts attachment.List) *Message {
	return &Message{
		Boundary:     generateBoundary(),
		StartID:      "<" + uuid.NewString() + "@as4-engine>",
		EnvelopeType: EnvelopeContentType(soapNS),
		Envelope:     envelope,
		Attachments:  atts,
	}
}

// Serialize writes m to w and returns the Content-Type header value. A
// message without attachments is written as a bare envelope.
func (m *Message) Serialize(w io.Writer) (string, error) {
	if len(m.Attachments) == 0 {
		if _, err := w.Write(m.Envelope); err != nil {
			return "", fmt.Errorf("failed to write envelope: %w", err)
		}
		return mime.FormatMediaType(m.EnvelopeType, map[string]string{"charset": "UTF-8"}), nil
	}

	writer := multipart.NewWriter(w)
	if err := writer.SetBoundary(m.Boundary); err != nil {
		return "", fmt.Errorf("failed to set boundary: %w", err)
	}

	soapHeader := textproto.MIMEHeader{}
	soapHeader.Set("Content-Type", m.EnvelopeType+"; charset=UTF-8")
	soapHeader.Set("Content-Transfer-Encoding", "8bit")
	soapHeader.Set("Content-ID", m.StartID)

	soapPart, err := writer.CreatePart(soapHeader)
	if err != nil {
		return "", fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := soapPart.Write(m.Envelope); err != nil {
		return "", fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(writer, att); err != nil {
			return "", err
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// start references the Content-ID without angle brackets
	params := map[string]string{
		"boundary": m.Boundary,
		"type":     m.EnvelopeType,
		"start":    GetContentIDWithoutBrackets(m.StartID),
	}
	return mime.FormatMediaType(ContentTypeMultipartRelated, params), nil
}

// Bytes serializes m into memory.
func (m *Message) Bytes() ([]byte, string, error) {
	var buf bytes.Buffer
	contentType, err := m.Serialize(&buf)
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), contentType, nil
}

func writeAttachment(writer *multipart.Writer, att *attachment.Attachment) error {
	header := textproto.MIMEHeader{}

	contentType := att.EffectiveMimeType()
	if att.Charset != "" && !att.Compression.Enabled() {
		contentType = mime.FormatMediaType(contentType, map[string]string{"charset": att.Charset})
	}
	header.Set("Content-Type", contentType)

	transferEncoding := att.ContentTransferEncoding
	if transferEncoding == "" {
		transferEncoding = "binary"
	}
	header.Set("Content-Transfer-Encoding", transferEncoding)

	contentID := att.ID
	if contentID == "" {
		contentID = uuid.NewString() + "@as4-engine"
	}
	header.Set("Content-ID", AddContentIDBrackets(contentID))

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create payload part: %w", err)
	}
	src, err := att.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to write payload part %s: %w", att.ID, err)
	}
	return nil
}

// Parse reads a request body. Multipart bodies yield the envelope and the
// attachments; a bare SOAP body yields only the envelope.
func Parse(r io.Reader, contentType string) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		if mediaType != ContentTypeSOAPXML && mediaType != ContentTypeTextXML && mediaType != "application/xml" {
			return nil, fmt.Errorf("unsupported content type: %s", mediaType)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope: %w", err)
		}
		return &Message{EnvelopeType: mediaType, Envelope: data}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("boundary not found in content type")
	}

	msg := &Message{
		Boundary:     boundary,
		StartID:      params["start"],
		EnvelopeType: params["type"],
	}

	reader := multipart.NewReader(r, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("failed to read part data: %w", err)
		}

		contentID := part.Header.Get("Content-ID")

		// The envelope is the start part, or the first part when start is absent
		isEnvelope := msg.Envelope == nil &&
			(msg.StartID == "" || contentID == "" || message.MatchContentID(msg.StartID, contentID))
		if isEnvelope {
			msg.Envelope = data
			continue
		}

		att := attachment.New(contentID, "", data)
		if ct := part.Header.Get("Content-Type"); ct != "" {
			if mt, p, err := mime.ParseMediaType(ct); err == nil {
				att.MimeType = mt
				att.Charset = p["charset"]
			} else {
				att.MimeType = ct
			}
		}
		if cte := part.Header.Get("Content-Transfer-Encoding"); cte != "" {
			att.ContentTransferEncoding = cte
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if msg.Envelope == nil {
		return nil, fmt.Errorf("SOAP envelope not found in message")
	}

	return msg, nil
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// GetContentIDWithoutBrackets removes < and > from Content-ID
func GetContentIDWithoutBrackets(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}

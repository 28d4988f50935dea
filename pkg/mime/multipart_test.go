package mime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
)

const testEnvelope = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Header/><env:Body/></env:Envelope>`

func TestSerializeParse_RoundTrip(t *testing.T) {
	a1 := attachment.New("p1@example.com", "application/xml", []byte("<doc/>"))
	a1.Charset = "UTF-8"
	a2 := attachment.New("p2@example.com", "application/xml", []byte{0x1f, 0x8b, 0x00})
	a2.Compression = compression.ModeGZIP

	msg := NewMessage([]byte(testEnvelope), message.NsSOAP12, attachment.List{a1, a2})
	body, contentType, err := msg.Bytes()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(contentType, ContentTypeMultipartRelated))
	assert.Contains(t, contentType, `type="application/soap+xml"`)

	parsed, err := Parse(bytes.NewReader(body), contentType)
	require.NoError(t, err)
	assert.Equal(t, testEnvelope, string(parsed.Envelope))
	require.Len(t, parsed.Attachments, 2)

	got1 := parsed.Attachments.Find("p1@example.com")
	require.NotNil(t, got1)
	assert.Equal(t, "application/xml", got1.MimeType)
	assert.Equal(t, "UTF-8", got1.Charset)
	data, err := got1.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("<doc/>"), data)

	got2 := parsed.Attachments.Find("cid:p2@example.com")
	require.NotNil(t, got2)
	assert.Equal(t, "application/gzip", got2.MimeType, "wire type of compressed content")
}

func TestSerialize_BareEnvelope(t *testing.T) {
	msg := NewMessage([]byte(testEnvelope), message.NsSOAP11, nil)
	body, contentType, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "text/xml; charset=UTF-8", contentType)
	assert.Equal(t, testEnvelope, string(body))

	parsed, err := Parse(bytes.NewReader(body), contentType)
	require.NoError(t, err)
	assert.Empty(t, parsed.Attachments)
	assert.Equal(t, testEnvelope, string(parsed.Envelope))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"bad content type", ";;;", ""},
		{"unsupported type", "image/png", ""},
		{"missing boundary", "multipart/related", ""},
		{"no parts", "multipart/related; boundary=xyz", "--xyz--\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body), tt.contentType)
			assert.Error(t, err)
		})
	}
}

func TestParse_StartParameterSelectsEnvelope(t *testing.T) {
	body := "--b\r\nContent-ID: <payload>\r\nContent-Type: text/plain\r\n\r\nhello\r\n" +
		"--b\r\nContent-ID: <root>\r\nContent-Type: application/soap+xml\r\n\r\n" + testEnvelope + "\r\n--b--\r\n"
	parsed, err := Parse(strings.NewReader(body), `multipart/related; boundary=b; start="root"; type="application/soap+xml"`)
	require.NoError(t, err)
	assert.Equal(t, testEnvelope, string(parsed.Envelope))
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "payload", parsed.Attachments[0].ID)
}

func TestContentIDBrackets(t *testing.T) {
	assert.Equal(t, "<a@b>", AddContentIDBrackets("a@b"))
	assert.Equal(t, "<a@b>", AddContentIDBrackets("<a@b>"))
	assert.Equal(t, "a@b", GetContentIDWithoutBrackets("<a@b>"))
	assert.Equal(t, ContentTypeTextXML, EnvelopeContentType(message.NsSOAP11))
	assert.Equal(t, ContentTypeSOAPXML, EnvelopeContentType(message.NsSOAP12))
}

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayloadMetadata(t *testing.T) {
	u := &UserMessage{
		PayloadInfo: []PartInfo{
			{
				Href: "cid:payload-1@example.com",
				Properties: []Property{
					{Name: PartPropertyMimeType, Value: "application/xml"},
					{Name: PartPropertyCompressionType, Value: "application/gzip"},
					{Name: PartPropertyCharacterSet, Value: "UTF-8"},
					{Name: "custom", Value: "x"},
				},
			},
			{Href: "<payload-2@example.com>"},
		},
	}

	meta := ExtractPayloadMetadata(u)
	require.Len(t, meta, 2)

	p1 := meta["payload-1@example.com"]
	require.NotNil(t, p1)
	assert.Equal(t, "application/xml", p1.MimeType)
	assert.Equal(t, "application/gzip", p1.CompressionType)
	assert.Equal(t, "UTF-8", p1.CharacterSet)
	assert.Equal(t, "x", p1.Properties["custom"])

	p2 := meta["payload-2@example.com"]
	require.NotNil(t, p2)
	assert.Empty(t, p2.MimeType)
}

func TestExtractPayloadMetadata_Nil(t *testing.T) {
	assert.Empty(t, ExtractPayloadMetadata(nil))
}

func TestNormalizeContentID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cid:abc@x", "abc@x"},
		{"<abc@x>", "abc@x"},
		{"cid:<abc@x>", "abc@x"},
		{"abc@x", "abc@x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeContentID(tt.in), tt.in)
	}
	assert.True(t, MatchContentID("cid:abc@x", "<abc@x>"))
	assert.False(t, MatchContentID("cid:abc@x", "cid:abd@x"))
}

func TestPartInfoProperties(t *testing.T) {
	p := NewPartInfo("<p@x>")
	assert.Equal(t, "cid:p@x", p.Href)
	assert.Empty(t, p.Property(PartPropertyMimeType))

	p.SetProperty(PartPropertyMimeType, "text/plain")
	p.SetProperty(PartPropertyMimeType, "application/json")
	require.Len(t, p.Properties, 1)
	assert.Equal(t, "application/json", p.Property(PartPropertyMimeType))
}

package message

import (
	"strings"
)

// PayloadMetadata contains metadata extracted from PartInfo for a payload
type PayloadMetadata struct {
	// ContentID is the href without the "cid:" prefix
	ContentID string
	// MimeType is the original MIME type from PartProperties
	MimeType string
	// CompressionType indicates compression (e.g., "application/gzip")
	CompressionType string
	// CharacterSet is the character encoding
	CharacterSet string
	// Properties contains all PartProperties as a map
	Properties map[string]string
}

// ExtractPayloadMetadata extracts metadata from UserMessage PayloadInfo,
// keyed by normalized Content-ID.
func ExtractPayloadMetadata(userMsg *UserMessage) map[string]*PayloadMetadata {
	result := make(map[string]*PayloadMetadata)
	if userMsg == nil {
		return result
	}

	for _, part := range userMsg.PayloadInfo {
		meta := &PayloadMetadata{
			ContentID:  NormalizeContentID(part.Href),
			Properties: make(map[string]string, len(part.Properties)),
		}
		for _, prop := range part.Properties {
			meta.Properties[prop.Name] = prop.Value
			switch prop.Name {
			case PartPropertyMimeType:
				meta.MimeType = prop.Value
			case PartPropertyCompressionType:
				meta.CompressionType = prop.Value
			case PartPropertyCharacterSet:
				meta.CharacterSet = prop.Value
			}
		}
		result[meta.ContentID] = meta
	}

	return result
}

// NormalizeContentID normalizes a Content-ID by removing angle brackets and cid: prefix
func NormalizeContentID(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	return strings.TrimSuffix(contentID, ">")
}

// MatchContentID checks if two Content-IDs match, ignoring formatting differences
func MatchContentID(id1, id2 string) bool {
	return NormalizeContentID(id1) == NormalizeContentID(id2)
}

// NewPartInfo creates a new PartInfo with the given Content-ID
func NewPartInfo(contentID string) PartInfo {
	return PartInfo{Href: "cid:" + NormalizeContentID(contentID)}
}

// Property returns the value of the named part property, or "".
func (p *PartInfo) Property(name string) string {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// SetProperty sets or replaces a part property
func (p *PartInfo) SetProperty(name, value string) {
	for i := range p.Properties {
		if p.Properties[i].Name == name {
			p.Properties[i].Value = value
			return
		}
	}
	p.Properties = append(p.Properties, Property{Name: name, Value: value})
}

package message

import (
	"time"
)

// Namespace constants for AS4/ebMS3
const (
	NsSOAP11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSOAP12 = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS   = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsWSSE   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS     = "http://www.w3.org/2000/09/xmldsig#"
	NsXENC   = "http://www.w3.org/2001/04/xmlenc#"
	NsEBBP   = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
)

// Default roles
const (
	RoleInitiator = NsEbMS + "initiator"
	RoleResponder = NsEbMS + "responder"
)

// Well-known part property names
const (
	PartPropertyMimeType        = "MimeType"
	PartPropertyCompressionType = "CompressionType"
	PartPropertyCharacterSet    = "CharacterSet"
)

// Messaging represents the ebMS3 Messaging header. Exactly one of the two
// message kinds is set.
type Messaging struct {
	UserMessage   *UserMessage
	SignalMessage *SignalMessage
}

// MessageID returns the ID of whichever message the header carries.
func (m *Messaging) MessageID() string {
	switch {
	case m.UserMessage != nil:
		return m.UserMessage.MessageInfo.MessageId
	case m.SignalMessage != nil:
		return m.SignalMessage.MessageInfo.MessageId
	}
	return ""
}

// UserMessage represents an ebMS3 UserMessage
type UserMessage struct {
	MPC               string
	MessageInfo       MessageInfo
	PartyInfo         PartyInfo
	CollaborationInfo CollaborationInfo
	MessageProperties []Property
	PayloadInfo       []PartInfo
}

// FromPartyID returns the first sender party ID.
func (u *UserMessage) FromPartyID() string {
	return u.PartyInfo.From.firstID()
}

// ToPartyID returns the first receiver party ID.
func (u *UserMessage) ToPartyID() string {
	return u.PartyInfo.To.firstID()
}

// MessageInfo contains message identification and timestamps
type MessageInfo struct {
	Timestamp      time.Time
	MessageId      string
	RefToMessageId string
}

// PartyInfo contains sender and receiver party information
type PartyInfo struct {
	From Party
	To   Party
}

// Party represents a messaging party
type Party struct {
	PartyId []PartyId
	Role    string
}

func (p Party) firstID() string {
	if len(p.PartyId) == 0 {
		return ""
	}
	return p.PartyId[0].Value
}

// PartyId represents a party identifier with type
type PartyId struct {
	Type  string
	Value string
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef
	Service        Service
	Action         string
	ConversationId string
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string
	Pmode string
	Value string
}

// Service identifies the service
type Service struct {
	Type  string
	Value string
}

// Property represents a message or part property
type Property struct {
	Name  string
	Type  string
	Value string
}

// PartInfo describes a payload part
type PartInfo struct {
	Href       string
	Properties []Property
}

// SignalMessage represents an ebMS3 SignalMessage
type SignalMessage struct {
	MessageInfo MessageInfo
	Receipt     *Receipt
	PullRequest *PullRequest
	Errors      []Error
}

// Receipt acknowledges a user message
type Receipt struct {
	// NonRepudiation lists the digests of the received message parts.
	NonRepudiation []PartDigest
}

// PartDigest is a received digest value for a referenced part.
type PartDigest struct {
	URI             string
	DigestAlgorithm string
	DigestValue     string
}

// PullRequest asks for the next message of an MPC
type PullRequest struct {
	MPC string
}

// Error represents an ebMS3 error
type Error struct {
	ErrorCode           string
	Severity            string
	ShortDescription    string
	Category            string
	Origin              string
	RefToMessageInError string
	Description         string
	ErrorDetail         string
}

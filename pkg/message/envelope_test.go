package message

import (
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *Messaging, soapNS string) *Messaging {
	t.Helper()
	doc, err := BuildEnvelope(m, soapNS)
	require.NoError(t, err)

	data, err := doc.WriteToBytes()
	require.NoError(t, err)

	_, parsed, err := ParseEnvelopeBytes(data)
	require.NoError(t, err)
	return parsed
}

func TestEnvelope_UserMessageRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 123000000, time.UTC)
	u := newTestUserMessage(t,
		WithMessageID("m-1@example.com"),
		WithAgreementRef("urn:agreement", "pm-1"),
		WithMPC("urn:mpc:a"),
		WithMessageProperty("originalSender", "urn:sender"),
	)
	u.MessageInfo.Timestamp = ts
	u.PayloadInfo = []PartInfo{{
		Href:       "cid:p1@example.com",
		Properties: []Property{{Name: PartPropertyMimeType, Value: "application/xml"}},
	}}

	got := roundTrip(t, &Messaging{UserMessage: u}, NsSOAP12)
	require.NotNil(t, got.UserMessage)
	assert.Nil(t, got.SignalMessage)
	assert.Equal(t, u, got.UserMessage)
}

func TestEnvelope_SOAP11Namespace(t *testing.T) {
	u := newTestUserMessage(t)
	doc, err := BuildEnvelope(&Messaging{UserMessage: u}, SOAPNamespace("1.1"))
	require.NoError(t, err)
	assert.Equal(t, NsSOAP11, doc.Root().SelectAttrValue("xmlns:env", ""))
	assert.Equal(t, NsSOAP12, SOAPNamespace("1.2"))
}

func TestEnvelope_ReceiptRoundTrip(t *testing.T) {
	s := NewReceipt("m-1", PartDigest{URI: "cid:p1", DigestAlgorithm: "http://www.w3.org/2001/04/xmlenc#sha256", DigestValue: "ZGlnZXN0"})
	got := roundTrip(t, &Messaging{SignalMessage: s}, "")

	require.NotNil(t, got.SignalMessage)
	require.NotNil(t, got.SignalMessage.Receipt)
	assert.Equal(t, "m-1", got.SignalMessage.MessageInfo.RefToMessageId)
	assert.Equal(t, s.Receipt.NonRepudiation, got.SignalMessage.Receipt.NonRepudiation)
}

func TestEnvelope_ErrorSignalRoundTrip(t *testing.T) {
	pe := NewProcessingError(KindContent, ErrorValueNotRecognized, "m-3", nil)
	pe.Detail = "unknown mpc"
	s := NewErrorSignal("m-3", pe.Signal())

	got := roundTrip(t, &Messaging{SignalMessage: s}, NsSOAP12)
	require.Len(t, got.SignalMessage.Errors, 1)
	assert.Equal(t, s.Errors[0], got.SignalMessage.Errors[0])
	assert.Nil(t, got.SignalMessage.Receipt)
}

func TestEnvelope_PullRequestRoundTrip(t *testing.T) {
	got := roundTrip(t, &Messaging{SignalMessage: NewPullRequest("urn:mpc:b")}, NsSOAP12)
	require.NotNil(t, got.SignalMessage.PullRequest)
	assert.Equal(t, "urn:mpc:b", got.SignalMessage.PullRequest.MPC)
}

func TestBuildEnvelope_RequiresExactlyOneMessage(t *testing.T) {
	_, err := BuildEnvelope(&Messaging{}, NsSOAP12)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	u := newTestUserMessage(t)
	_, err = BuildEnvelope(&Messaging{UserMessage: u, SignalMessage: NewPullRequest("")}, NsSOAP12)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseEnvelope_Errors(t *testing.T) {
	_, err := ParseEnvelope(etree.NewDocument())
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = ParseEnvelopeBytes([]byte("<not-xml"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = ParseEnvelopeBytes([]byte(`<Envelope><Header/><Body/></Envelope>`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	noID := `<e:Envelope xmlns:e="` + NsSOAP12 + `" xmlns:eb="` + NsEbMS + `"><e:Header><eb:Messaging>` +
		`<eb:UserMessage><eb:MessageInfo><eb:Timestamp>2024-01-01T00:00:00Z</eb:Timestamp></eb:MessageInfo></eb:UserMessage>` +
		`</eb:Messaging></e:Header><e:Body/></e:Envelope>`
	_, _, err = ParseEnvelopeBytes([]byte(noID))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParseEnvelope_ForeignPrefixes(t *testing.T) {
	raw := `<S:Envelope xmlns:S="` + NsSOAP12 + `" xmlns:ns="` + NsEbMS + `"><S:Header><ns:Messaging>` +
		`<ns:SignalMessage><ns:MessageInfo><ns:Timestamp>2024-01-01T00:00:00Z</ns:Timestamp>` +
		`<ns:MessageId>sig-1</ns:MessageId></ns:MessageInfo><ns:PullRequest mpc="urn:mpc:z"/></ns:SignalMessage>` +
		`</ns:Messaging></S:Header><S:Body/></S:Envelope>`
	_, m, err := ParseEnvelopeBytes([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "sig-1", m.MessageID())
	assert.Equal(t, "urn:mpc:z", m.SignalMessage.PullRequest.MPC)
}

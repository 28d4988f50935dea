package msh

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/mime"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/security"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
)

type exchange struct {
	body        []byte
	contentType string
	resp        *transport.Response
}

// capture records what passes through the wrapped transmitter.
type capture struct {
	next Transmitter
	mu   sync.Mutex
	seen []exchange
}

func (c *capture) Transmit(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error) {
	resp, err := c.next.Transmit(ctx, endpoint, body, contentType)
	c.mu.Lock()
	c.seen = append(c.seen, exchange{body: body, contentType: contentType, resp: resp})
	c.mu.Unlock()
	return resp, err
}

func (c *capture) exchanges() []exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange(nil), c.seen...)
}

// scripted answers every push with the same response or error.
type scripted struct {
	resp  *transport.Response
	err   error
	mu    sync.Mutex
	calls int
}

func (s *scripted) Transmit(context.Context, string, []byte, string) (*transport.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.resp, s.err
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (env *testEnv) useTransmitter(t *testing.T, tr Transmitter) {
	t.Helper()
	env.sender.transmitter = tr
}

func send(t *testing.T, env *testEnv, out *OutboundMessage) (*Submission, reliability.Outcome, error) {
	t.Helper()
	sub, err := env.sender.Send(context.Background(), out)
	require.NoError(t, err)
	outcome, err := waitOutcome(t, sub.Result)
	return sub, outcome, err
}

func signalBody(t *testing.T, sig *message.SignalMessage) []byte {
	t.Helper()
	doc, err := message.BuildEnvelope(&message.Messaging{SignalMessage: sig}, message.NsSOAP12)
	require.NoError(t, err)
	body, err := doc.WriteToBytes()
	require.NoError(t, err)
	return body
}

func TestNewSender_RequiresCollaborators(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))

	_, err := NewSender(SenderConfig{Scheduler: env.scheduler, Transmitter: &scripted{}})
	assert.Error(t, err)
	_, err = NewSender(SenderConfig{PModes: env.resolver, Transmitter: &scripted{}})
	assert.Error(t, err)
	_, err = NewSender(SenderConfig{PModes: env.resolver, Scheduler: env.scheduler})
	assert.Error(t, err)
}

func TestSend_AcknowledgedByReceipt(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	wire := &capture{next: env.sender.transmitter}
	env.useTransmitter(t, wire)

	sub, out, err := send(t, env, outbound(""))
	require.NoError(t, err)
	assert.NotEmpty(t, sub.MessageID, "message id is generated")
	assert.Equal(t, "pm-1", sub.PModeID)
	assert.Equal(t, "https://receiver.example/as4", sub.Endpoint)
	assert.Equal(t, reliability.StateAcked, out.State)
	assert.Equal(t, 1, out.Attempts)

	assert.Equal(t, []string{sub.MessageID}, env.processor.users)
	assert.Equal(t, testPayload, env.processor.payloads["invoice@example.com"])

	seen := wire.exchanges()
	require.Len(t, seen, 1)
	assert.NotContains(t, string(seen[0].body), testPayload, "payload travels compressed")
	assert.Contains(t, string(seen[0].body), "CompressionType")
}

func TestSend_PropertiesAndParties(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	wire := &capture{next: env.sender.transmitter}
	env.useTransmitter(t, wire)

	msg := outbound("m-props@test")
	msg.ConversationID = "conv-1"
	msg.Properties = []message.Property{{Name: "originalSender", Value: "urn:test:c1"}}
	_, _, err := send(t, env, msg)
	require.NoError(t, err)

	seen := wire.exchanges()
	require.Len(t, seen, 1)
	pkg, err := mime.Parse(bytes.NewReader(seen[0].body), seen[0].contentType)
	require.NoError(t, err)
	_, messaging, err := message.ParseEnvelopeBytes(pkg.Envelope)
	require.NoError(t, err)
	um := messaging.UserMessage
	require.NotNil(t, um)
	assert.Equal(t, "sender", um.FromPartyID())
	assert.Equal(t, "receiver", um.ToPartyID())
	assert.Equal(t, "conv-1", um.CollaborationInfo.ConversationId)
	assert.Equal(t, "pm-1", um.CollaborationInfo.AgreementRef.Pmode)
	require.Len(t, um.MessageProperties, 1)
	assert.Equal(t, "originalSender", um.MessageProperties[0].Name)
}

func TestSend_RetriesUntilExhausted(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	down := &scripted{err: message.NewProcessingError(message.KindCommunication, message.ErrorConnectionFailure, "",
		errors.New("connection refused"))}
	env.useTransmitter(t, down)

	_, out, err := send(t, env, outbound("m-down@test"))
	require.Error(t, err)
	assert.ErrorIs(t, err, reliability.ErrExhausted)
	assert.Equal(t, reliability.StateExhausted, out.State)
	assert.Equal(t, 3, out.Attempts, "first push and two retries")
	assert.Equal(t, 3, down.count())
}

func TestSend_ErrorSignalIsPermanent(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	env.processor.err = errors.New("rejected by backend")
	wire := &capture{next: env.sender.transmitter}
	env.useTransmitter(t, wire)

	_, out, err := send(t, env, outbound("m-rej@test"))
	require.Error(t, err)
	assert.Equal(t, reliability.StateExhausted, out.State)
	assert.Equal(t, 1, out.Attempts)
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.KindApplication, pe.Kind)
	assert.Equal(t, message.ErrorOther.Code, pe.Code.Code)
	assert.Equal(t, "m-rej@test", pe.MessageID)
	assert.Len(t, wire.exchanges(), 1)
}

func TestSend_ReceiptForOtherMessage(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	env.useTransmitter(t, &scripted{resp: &transport.Response{
		StatusCode:  http.StatusOK,
		ContentType: mime.ContentTypeSOAPXML,
		Body:        signalBody(t, message.NewReceipt("someone-else@test")),
	}})

	_, out, err := send(t, env, outbound("m-mine@test"))
	require.Error(t, err)
	assert.Equal(t, reliability.StateExhausted, out.State)
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.ErrorInvalidReceipt.Code, pe.Code.Code)
}

func TestSend_UnparsableAnswer(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	env.useTransmitter(t, &scripted{resp: &transport.Response{
		StatusCode:  http.StatusOK,
		ContentType: mime.ContentTypeSOAPXML,
		Body:        []byte("<html>proxy error</html>"),
	}})

	_, _, err := send(t, env, outbound("m-html@test"))
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.ErrorInvalidReceipt.Code, pe.Code.Code)
}

func TestSend_EmptyAnswerWaitsForReceipt(t *testing.T) {
	p := testPMode(t, "pm-1", pmode.WithReceptionAwareness(pmode.ReceptionAwareness{
		Enabled:       true,
		Retry:         true,
		MaxRetries:    1,
		RetryInterval: time.Minute,
	}))
	env := newTestEnv(t, nil, p)
	env.useTransmitter(t, &scripted{resp: &transport.Response{StatusCode: http.StatusAccepted}})

	sub, err := env.sender.Send(context.Background(), outbound("m-async@test"))
	require.NoError(t, err)
	assert.False(t, sub.Result.Resolved())

	resp, err := env.handler.Handle(context.Background(), signalRequest(t, message.NewReceipt("m-async@test")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := waitOutcome(t, sub.Result)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateAcked, out.State)
}

func TestSend_EmptyErrorStatus(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))
	env.useTransmitter(t, &scripted{resp: &transport.Response{StatusCode: http.StatusForbidden}})

	_, out, err := send(t, env, outbound("m-403@test"))
	require.Error(t, err)
	assert.Equal(t, 1, out.Attempts)
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.ErrorDeliveryFailure.Code, pe.Code.Code)
}

func TestSend_Validation(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-1"))

	_, err := env.sender.Send(context.Background(), &OutboundMessage{Service: testService})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = env.sender.Send(context.Background(), &OutboundMessage{Service: "urn:none", Action: "None"})
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.ErrorProcessingModeMismatch.Code, pe.Code.Code)
	assert.ErrorIs(t, err, pmode.ErrNotFound)
}

func TestSend_EndpointResolution(t *testing.T) {
	leg := testLeg()
	leg.Protocol = nil
	env := newTestEnv(t, nil, testPMode(t, "pm-1", pmode.WithLeg1(leg)))
	env.useTransmitter(t, &scripted{resp: &transport.Response{StatusCode: http.StatusOK}})

	_, err := env.sender.Send(context.Background(), outbound("m-noaddr@test"))
	assert.ErrorIs(t, err, ErrNoAddress)

	endpoints := NewStaticEndpointResolver(nil)
	env.sender.endpoints = endpoints
	_, err = env.sender.Send(context.Background(), outbound("m-noaddr@test"))
	assert.ErrorIs(t, err, ErrNoAddress)

	endpoints.RegisterEndpoint("receiver", "https://resolved.example/as4")
	sub, err := env.sender.Send(context.Background(), outbound("m-addr@test"))
	require.NoError(t, err)
	assert.Equal(t, "https://resolved.example/as4", sub.Endpoint)
}

type testKeys struct {
	signer    ed25519.PrivateKey
	cert      *x509.Certificate
	recipient *ecdh.PrivateKey
	recCert   *x509.Certificate
}

func newCert(t *testing.T, cn string, pub any, issuer *x509.Certificate, issuerKey ed25519.PrivateKey, usage x509.KeyUsage) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              usage,
		BasicConstraintsValid: issuer == nil,
		IsCA:                  issuer == nil,
	}
	parent := issuer
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, issuerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cert := newCert(t, "party", pub, nil, priv, x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign)

	rec, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	recCert := newCert(t, "receiver", rec.PublicKey(), cert, priv, x509.KeyUsageKeyAgreement)
	return testKeys{signer: priv, cert: cert, recipient: rec, recCert: recCert}
}

func securedLeg() *pmode.Leg {
	leg := testLeg()
	leg.Security = &pmode.LegSecurity{
		WSSVersion:          pmode.WSS111,
		SignAlgorithm:       pmode.AlgoEd25519,
		SignDigestAlgorithm: pmode.HashSHA256,
		EncryptAlgorithm:    pmode.DataAlgoAES128GCM,
		EncryptAlias:        "receiver",
		SendReceipt:         true,
		ReplyPattern:        pmode.ReplyResponse,
		NonRepudiation:      true,
	}
	return leg
}

func newSecurityProcessor(t *testing.T, keys testKeys) *SecurityProcessor {
	t.Helper()
	engine, err := security.NewXMLSecEngine(security.XMLSecConfig{Keys: &security.StaticKeys{
		Signer:      keys.signer,
		SignerCert:  keys.cert,
		Decrypter:   keys.recipient,
		AliasedCert: map[string]*x509.Certificate{"receiver": keys.recCert},
	}})
	require.NoError(t, err)
	return NewSecurityProcessor(engine, nil, nil)
}

func TestSend_SecuredRoundTrip(t *testing.T) {
	keys := newTestKeys(t)
	env := newTestEnv(t, newSecurityProcessor(t, keys), testPMode(t, "pm-sec", pmode.WithLeg1(securedLeg())))
	wire := &capture{next: env.sender.transmitter}
	env.useTransmitter(t, wire)

	sub, out, err := send(t, env, outbound("m-sec@test"))
	require.NoError(t, err)
	assert.Equal(t, reliability.StateAcked, out.State)
	assert.Equal(t, testPayload, env.processor.payloads["invoice@example.com"], "decrypted and decompressed")

	seen := wire.exchanges()
	require.Len(t, seen, 1)
	assert.Contains(t, string(seen[0].body), "EncryptedData")
	assert.NotContains(t, string(seen[0].body), testPayload)

	doc, messaging, err := message.ParseEnvelopeBytes(seen[0].resp.Body)
	require.NoError(t, err)
	assert.True(t, security.IsSigned(doc), "receipt is signed")
	receipt := messaging.SignalMessage.Receipt
	require.NotNil(t, receipt)
	assert.Equal(t, sub.MessageID, messaging.SignalMessage.MessageInfo.RefToMessageId)
	assert.NotEmpty(t, receipt.NonRepudiation, "receipt carries the signed digests")
}

func TestSend_SecuredRequiresEngine(t *testing.T) {
	env := newTestEnv(t, nil, testPMode(t, "pm-sec", pmode.WithLeg1(securedLeg())))

	_, err := env.sender.Send(context.Background(), outbound("m-noengine@test"))
	pe, ok := message.AsProcessingError(err)
	require.True(t, ok)
	assert.Equal(t, message.ErrorPolicyNoncompliance.Code, pe.Code.Code)
	assert.Equal(t, "m-noengine@test", pe.MessageID)
	assert.Equal(t, "pm-sec", pe.PModeID)
}

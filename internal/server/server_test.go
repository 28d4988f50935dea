package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/internal/keystore"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/msh"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

const (
	testService = "urn:test:service"
	testAction  = "Submit"
)

func testPMode(t *testing.T, id string) *pmode.PMode {
	t.Helper()
	p, err := pmode.New(id,
		pmode.WithInitiator(pmode.Party{ID: "sender", Type: "urn:test"}),
		pmode.WithResponder(pmode.Party{ID: "receiver", Type: "urn:test"}),
		pmode.WithLeg1(&pmode.Leg{
			Protocol:     &pmode.Protocol{Address: "https://receiver.example/as4", SOAPVersion: pmode.SOAP12},
			BusinessInfo: &pmode.BusinessInfo{Service: testService, Action: testAction},
			Security:     &pmode.LegSecurity{SendReceipt: true, ReplyPattern: pmode.ReplyResponse},
		}),
		pmode.WithReceptionAwareness(pmode.ReceptionAwareness{
			Enabled:       true,
			Retry:         true,
			MaxRetries:    1,
			RetryInterval: 10 * time.Millisecond,
		}),
	)
	require.NoError(t, err)
	return p
}

type staticKeys struct {
	cert *x509.Certificate
}

func (k staticKeys) List() ([]keystore.KeyInfo, error) {
	return []keystore.KeyInfo{{Alias: "gw1", Algorithm: "Ed25519", KeySize: 256, HasPrivateKey: true}}, nil
}

func (k staticKeys) Certificate(alias string) (*x509.Certificate, error) {
	if alias != "gw1" {
		return nil, keystore.ErrKeyNotFound
	}
	return k.cert, nil
}

func selfSigned(t *testing.T) *x509.Certificate {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gw1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// loopback hands pushed messages to an in-process handler.
type loopback struct {
	handler *msh.Handler
}

func (l *loopback) Transmit(ctx context.Context, _ string, body []byte, contentType string) (*transport.Response, error) {
	resp, err := l.handler.Handle(ctx, &msh.Request{ContentType: contentType, Body: bytes.NewReader(body)})
	if err != nil {
		return nil, err
	}
	return &transport.Response{StatusCode: resp.StatusCode, ContentType: resp.ContentType, Body: resp.Body}, nil
}

type testEnv struct {
	srv       *Server
	store     *pmode.MemoryStore
	mpcs      *mpc.Manager
	scheduler *reliability.Scheduler
	cert      *x509.Certificate
}

func newTestEnv(t *testing.T, adminKey string) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()

	pool, err := worker.NewPool(worker.Config{Workers: 2, Registerer: reg})
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	scheduler, err := reliability.NewScheduler(reg, reliability.WithExecutor(pool))
	require.NoError(t, err)
	t.Cleanup(scheduler.Close)

	store := pmode.NewMemoryStore(pmode.WithRecords(testPMode(t, "pm-1")), pmode.WithReferenceChecker(scheduler))
	resolver := pmode.NewResolver(store, nil, nil)
	mpcs := mpc.NewManager()

	handler, err := msh.NewHandler(msh.Config{PModes: resolver, Scheduler: scheduler, MPCs: mpcs, TempDir: t.TempDir()})
	require.NoError(t, err)
	sender, err := msh.NewSender(msh.SenderConfig{
		PModes:      resolver,
		Scheduler:   scheduler,
		Transmitter: &loopback{handler: handler},
		TempDir:     t.TempDir(),
	})
	require.NoError(t, err)

	env := &testEnv{store: store, mpcs: mpcs, scheduler: scheduler, cert: selfSigned(t)}
	env.srv = New(Config{
		PModes:    store,
		MPCs:      mpcs,
		Keys:      staticKeys{cert: env.cert},
		Pool:      pool,
		Scheduler: scheduler,
		Sender:    sender,
		Gatherer:  reg,
		AdminKey:  adminKey,
	})
	t.Cleanup(func() { _ = env.srv.Shutdown(context.Background()) })
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body []byte, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "as4_worker")
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, "")
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/ready", nil).Code)

	env.srv.cfg.Ready = func(context.Context) error { return errors.New("down") }
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/ready", nil).Code)
}

func TestAdminKey(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/pmodes", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/pmodes", nil, "X-Admin-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/pmodes", nil, "X-Admin-Key", "s3cret").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code, "health is open")
}

func TestPModeAPI(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/pmodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"pm-1"}, decode(t, rec)["pmodes"])

	rec = env.do(t, http.MethodGet, "/api/pmodes/pm-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	exported := rec.Body.Bytes()

	// Same document under a new ID creates a PMode.
	second := bytes.Replace(exported, []byte(`id="pm-1"`), []byte(`id="pm-2"`), 1)
	rec = env.do(t, http.MethodPut, "/api/pmodes/pm-2", second)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/pmodes/pm-1", exported)
	assert.Equal(t, http.StatusOK, rec.Code, "existing id is replaced")

	rec = env.do(t, http.MethodPut, "/api/pmodes/other", exported)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "id mismatch")

	rec = env.do(t, http.MethodPut, "/api/pmodes/pm-1", []byte("<nope"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/pmodes/pm-2?soft=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/pmodes/pm-2", nil).Code)

	rec = env.do(t, http.MethodDelete, "/api/pmodes/pm-2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "soft-deleted pmode can be removed")
	rec = env.do(t, http.MethodDelete, "/api/pmodes/pm-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMPCAPI(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/mpcs/urn:mpc:orders", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/mpcs/urn:mpc:orders", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/mpcs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["total"], "default channel plus the new one")

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/mpcs/urn:mpc:orders", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/mpcs/urn:mpc:orders", nil).Code)
}

func TestKeyAPI(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = env.do(t, http.MethodGet, "/api/keys/gw1/certificate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	block, _ := pem.Decode(rec.Body.Bytes())
	require.NotNil(t, block)
	assert.Equal(t, env.cert.Raw, block.Bytes)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/keys/nobody/certificate", nil).Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["workers"])
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t, "")

	body, err := json.Marshal(SendRequest{
		MessageID: "m-1@test",
		Service:   testService,
		Action:    testAction,
		Payloads:  []payloadRequest{{ContentID: "invoice@test", MimeType: "application/xml", Data: []byte("<Invoice/>")}},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "m-1@test", out["messageId"])
	assert.Equal(t, "pm-1", out["pmodeId"])
	assert.Equal(t, "https://receiver.example/as4", out["endpoint"])

	require.Eventually(t, func() bool {
		st, ok := env.scheduler.Status("m-1@test")
		return ok && st.State == reliability.StateAcked
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/messages/m-1@test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACKED", decode(t, rec)["state"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/messages/unknown", nil).Code)
}

func TestSendMessage_Rejected(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/messages", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/messages", []byte(`{"service":"`+testService+`"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "action missing")

	rec = env.do(t, http.MethodPost, "/api/messages", []byte(`{"service":"urn:other","action":"x"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no matching pmode")
}

func TestMissingCollaborators(t *testing.T) {
	srv := New(Config{Gatherer: prometheus.NewRegistry()})
	for _, path := range []string{"/api/pmodes", "/api/mpcs", "/api/keys", "/api/stats", "/api/messages/x"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

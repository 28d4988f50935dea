package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/internal/config"
	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/discovery"
	"github.com/sirosfoundation/as4-engine/pkg/msh"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/spi"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
)

const (
	testService = "urn:test:service"
	testAction  = "Submit"
)

func writePMode(t *testing.T, dir, id string) string {
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
			Enabled:            true,
			Retry:              true,
			MaxRetries:         1,
			RetryInterval:      10 * time.Millisecond,
			DuplicateDetection: true,
		}),
	)
	require.NoError(t, err)
	data, err := p.MarshalXML()
	require.NoError(t, err)
	path := filepath.Join(dir, id+".xml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
dataPath: %s
server:
  address: "127.0.0.1:0"
worker:
  size: 2
  shutdownTimeout: 5s
%s`, dir, extra)))
	require.NoError(t, err)
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRegistry(prometheus.NewRegistry())}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// loopback hands pushed messages back to an engine's own handler.
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

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) ProcessUserMessage(_ context.Context, req *spi.UserMessageRequest) (spi.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, req.UserMessage.MessageInfo.MessageId)
	return spi.Success(), nil
}

func (r *recorder) ProcessSignalMessage(context.Context, *spi.SignalMessageRequest) (spi.Result, error) {
	return spi.Success(), nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestNew_Defaults(t *testing.T) {
	cfg := testConfig(t, "")
	e := newEngine(t, cfg)

	assert.Nil(t, e.OpsHandler(), "ops server disabled by default")
	assert.Nil(t, e.backend)

	rec := httptest.NewRecorder()
	e.AS4Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/as4", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// The selected profile supplies PModes for unknown exchanges.
	p, err := e.resolver.FindPMode(context.Background(), pmode.Query{
		Service: "urn:svc", Action: "a", InitiatorID: "gw-a", ResponderID: "gw-b",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)

	cfg := testConfig(t, "profile: nope\n")
	_, err = New(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()))
	assert.Error(t, err, "unknown profile")

	cfg = testConfig(t, "crypto:\n  keystore:\n    path: /does/not/exist\n    alias: gw1\n")
	_, err = New(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()))
	assert.Error(t, err, "missing keystore")

	cfg = testConfig(t, "")
	cfg.PModes = []string{filepath.Join(t.TempDir(), "missing.xml")}
	_, err = New(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()))
	assert.Error(t, err, "missing pmode file")
}

func TestEngine_DeliversAndDumps(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.PModes = []string{writePMode(t, t.TempDir(), "pm-1")}
	cfg.DumpPath = filepath.Join(t.TempDir(), "dump")

	rec := &recorder{}
	lb := &loopback{}
	e := newEngine(t, cfg,
		WithTransmitter(lb),
		WithProcessor("recorder", func() (spi.Processor, error) { return rec, nil }))
	lb.handler = e.Handler()

	sub, err := e.Sender().Send(context.Background(), &msh.OutboundMessage{
		MessageID: "m-1@test",
		Service:   testService,
		Action:    testAction,
		Attachments: attachment.List{
			attachment.New("invoice@test", "application/xml", []byte("<Invoice/>")),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pm-1", sub.PModeID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := sub.Result.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, reliability.StateAcked, out.State)
	assert.Equal(t, []string{"m-1@test"}, rec.received())

	data, err := os.ReadFile(filepath.Join(cfg.DumpPath, "m-1@test", "invoice@test"))
	require.NoError(t, err)
	assert.Equal(t, "<Invoice/>", string(data))
}

func TestEngine_EvictsDuplicates(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Worker.EvictionInterval = 10 * time.Millisecond
	cfg.PModes = []string{writePMode(t, t.TempDir(), "pm-1")}

	var skew atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	lb := &loopback{}
	e := newEngine(t, cfg, WithTransmitter(lb), WithClock(clock))
	lb.handler = e.Handler()

	sub, err := e.Sender().Send(context.Background(), &msh.OutboundMessage{
		MessageID: "m-evict@test",
		Service:   testService,
		Action:    testAction,
	})
	require.NoError(t, err)
	_, err = sub.Result.Wait(context.Background())
	require.NoError(t, err)

	dups := e.duplicates.(*reliability.MemoryDuplicateStore)
	require.True(t, dups.Contains("m-evict@test"))

	skew.Store(int64(2 * time.Hour))
	require.Eventually(t, func() bool {
		_, tracked := e.Scheduler().Status("m-evict@test")
		return !dups.Contains("m-evict@test") && !tracked
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_WALPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t, "storage:\n  backend: wal\n")
	cfg.PModes = []string{writePMode(t, t.TempDir(), "pm-1")}

	e, err := New(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	_, err = e.mpcs.Create("urn:mpc:orders")
	require.NoError(t, err)
	e.Close()

	cfg.PModes = nil
	e2 := newEngine(t, cfg)
	p, err := e2.PModes().FindByID(context.Background(), "pm-1")
	require.NoError(t, err)
	assert.Equal(t, testAction, p.Action())
	assert.True(t, e2.mpcs.Contains("urn:mpc:orders"))
}

func TestEngine_OpsServer(t *testing.T) {
	cfg := testConfig(t, "observability:\n  adminKey: k\n  metrics:\n    enabled: true\n")
	cfg.PModes = []string{writePMode(t, t.TempDir(), "pm-1")}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	ops := e.OpsHandler()
	require.NotNil(t, ops)

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "as4_worker_queue_depth")

	req := httptest.NewRequest(http.MethodGet, "/api/pmodes", nil)
	req.Header.Set("X-Admin-Key", "k")
	rec = httptest.NewRecorder()
	ops.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pm-1")
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "")
	e := newEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_EndpointResolver(t *testing.T) {
	cfg := testConfig(t, "endpoints:\n  gw-b: https://gw-b.example/as4\n")
	e := newEngine(t, cfg)
	_, ok := e.endpointResolver().(*msh.StaticEndpointResolver)
	assert.True(t, ok, "static map only when discovery is off")

	cfg = testConfig(t, "discovery:\n  enabled: true\n  domain: bdxl.example.org\n  dnsServer: 127.0.0.1:1\n")
	e = newEngine(t, cfg)
	chain, ok := e.endpointResolver().(msh.EndpointResolvers)
	require.True(t, ok)
	require.Len(t, chain, 2)
	_, ok = chain[1].(*discovery.Resolver)
	assert.True(t, ok)
}

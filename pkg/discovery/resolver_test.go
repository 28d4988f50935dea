package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discoveryEnv struct {
	resolver *Resolver
	hits     *atomic.Int32
	now      *time.Time
}

func newDiscoveryEnv(t *testing.T, ttl time.Duration) *discoveryEnv {
	t.Helper()
	hits := new(atomic.Int32)
	mux := http.NewServeMux()
	mux.HandleFunc("/redirected/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(metadataXML(endpointXML(TransportAS4V2, "https://redirected.example.org/as4", "", ""))))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "moved") {
			_, _ = w.Write([]byte(`<ServiceMetadata><Redirect href="http://` + r.Host + `/redirected/x"/></ServiceMetadata>`))
			return
		}
		_, _ = w.Write([]byte(metadataXML(endpointXML(TransportAS4V2, "https://ap.example.org/as4", "", ""))))
	})
	smp := httptest.NewServer(mux)
	t.Cleanup(smp.Close)

	namer := NewLocator(LocatorConfig{Domain: "bdxl.example.org"})
	name, err := namer.QueryName(testParty)
	require.NoError(t, err)
	addr := startDNS(t, map[string][]string{
		name: {naptr(name, ServiceSMP1, smp.URL+"/", 10, 10)},
	})

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	env := &discoveryEnv{hits: hits, now: &now}
	env.resolver, err = NewResolver(ResolverConfig{
		Locator:  NewLocator(LocatorConfig{Domain: "bdxl.example.org", DNSServer: addr}),
		SMP:      NewSMPClient(smp.Client()),
		CacheTTL: ttl,
		Now:      func() time.Time { return *env.now },
	})
	require.NoError(t, err)
	return env
}

func TestNewResolver_RequiresLocator(t *testing.T) {
	_, err := NewResolver(ResolverConfig{})
	assert.Error(t, err)
}

func TestResolver_ResolveEndpoint(t *testing.T) {
	env := newDiscoveryEnv(t, time.Minute)
	ctx := context.Background()

	addr, err := env.resolver.ResolveEndpoint(ctx, testParty, testProcess, testDocument)
	require.NoError(t, err)
	assert.Equal(t, "https://ap.example.org/as4", addr)
	assert.EqualValues(t, 1, env.hits.Load())

	addr, err = env.resolver.ResolveEndpoint(ctx, testParty, testProcess, testDocument)
	require.NoError(t, err)
	assert.Equal(t, "https://ap.example.org/as4", addr)
	assert.EqualValues(t, 1, env.hits.Load(), "second lookup is cached")

	*env.now = env.now.Add(2 * time.Minute)
	_, err = env.resolver.ResolveEndpoint(ctx, testParty, testProcess, testDocument)
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.hits.Load(), "expired entries are refreshed")

	env.resolver.Purge()
	_, err = env.resolver.ResolveEndpoint(ctx, testParty, testProcess, testDocument)
	require.NoError(t, err)
	assert.EqualValues(t, 3, env.hits.Load())

	_, err = env.resolver.ResolveEndpoint(ctx, testParty, "urn:unknown:process", testDocument)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	_, err = env.resolver.ResolveEndpoint(ctx, "unregistered", testProcess, testDocument)
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestResolver_FollowsRedirect(t *testing.T) {
	env := newDiscoveryEnv(t, 0)
	e, err := env.resolver.Lookup(context.Background(), testParty, testProcess, "moved-doc")
	require.NoError(t, err)
	assert.Equal(t, "https://redirected.example.org/as4", e.Address)
	assert.Equal(t, TransportAS4V2, e.TransportProfile)
	assert.Equal(t, "MIIBAAAA", e.Certificate)
	assert.EqualValues(t, 2, env.hits.Load())
}

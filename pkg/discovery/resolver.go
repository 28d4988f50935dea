package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// maxRedirects bounds SMP redirect chains.
const maxRedirects = 1

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Locator *Locator
	// SMP defaults to NewSMPClient(nil).
	SMP *SMPClient
	// Transports in order of preference. Defaults to DefaultTransports.
	Transports []string
	// CacheTTL is how long an answer is reused. Zero disables caching.
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type cacheEntry struct {
	endpoint Endpoint
	expires  time.Time
}

// Resolver resolves receiving access points through BDXL and SMP.
type Resolver struct {
	locator    *Locator
	smp        *SMPClient
	transports []string
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Locator == nil {
		return nil, errors.New("discovery: locator is required")
	}
	if cfg.SMP == nil {
		cfg.SMP = NewSMPClient(nil)
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = DefaultTransports
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		locator:    cfg.Locator,
		smp:        cfg.SMP,
		transports: cfg.Transports,
		ttl:        cfg.CacheTTL,
		logger:     logger.With(slog.String("component", "discovery")),
		now:        cfg.Now,
		cache:      make(map[string]cacheEntry),
	}, nil
}

// ResolveEndpoint implements msh.EndpointResolver. The action is the
// document type identifier and the service is the process identifier.
func (r *Resolver) ResolveEndpoint(ctx context.Context, partyID, service, action string) (string, error) {
	e, err := r.Lookup(ctx, partyID, service, action)
	if err != nil {
		return "", err
	}
	return e.Address, nil
}

// Lookup returns the full endpoint entry, including its certificate.
func (r *Resolver) Lookup(ctx context.Context, partyID, processID, documentType string) (Endpoint, error) {
	key := partyID + "\x00" + processID + "\x00" + documentType
	now := r.now()

	r.mu.Lock()
	if c, ok := r.cache[key]; ok {
		if now.Before(c.expires) {
			r.mu.Unlock()
			return c.endpoint, nil
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	base, err := r.locator.Locate(ctx, partyID)
	if err != nil {
		return Endpoint{}, err
	}
	md, err := r.smp.ServiceMetadata(ctx, base, partyID, documentType)
	for hops := 0; err == nil && md.Redirect != ""; hops++ {
		if hops == maxRedirects {
			return Endpoint{}, errors.New("discovery: too many SMP redirects")
		}
		md, err = r.smp.fetch(ctx, md.Redirect)
	}
	if err != nil {
		return Endpoint{}, err
	}
	e, err := md.SelectEndpoint(processID, r.transports, now)
	if err != nil {
		return Endpoint{}, err
	}

	r.logger.Info("endpoint discovered",
		slog.String("party", partyID),
		slog.String("process", processID),
		slog.String("address", e.Address),
		slog.String("transport", e.TransportProfile))

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cacheEntry{endpoint: e, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return e, nil
}

// Purge drops cached answers.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

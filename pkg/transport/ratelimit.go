package transport

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit bounds inbound requests per peer. A zero RPS disables it.
type RateLimit struct {
	RPS   float64
	Burst int
	// IdleTTL is how long an idle peer's bucket is kept. Defaults to 10m.
	IdleTTL time.Duration
}

type peerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerBucket
	hits  uint64
}

type peerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(cfg RateLimit, logger *slog.Logger) *peerLimiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RPS))
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &peerLimiter{
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
		logger:  logger,
		peers:   make(map[string]*peerBucket),
	}
}

func (l *peerLimiter) allow(peer string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.peers[peer]
	if !ok {
		b = &peerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[peer] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.peers {
			if v.lastSeen.Before(cutoff) {
				delete(l.peers, k)
			}
		}
	}
	return b.limiter.AllowN(now, 1)
}

func (l *peerLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	retryAfter := strconv.Itoa(max(1, int(1/float64(l.limit))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := peerKey(r)
		if !l.allow(peer) {
			l.logger.Warn("rate limited", slog.String("peer", peer))
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// peerKey identifies the sender by client certificate subject when mutual
// TLS is in use, else by remote host.
func peerKey(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return "cert:" + r.TLS.PeerCertificates[0].Subject.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

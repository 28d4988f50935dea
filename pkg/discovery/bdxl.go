package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrNoRecords is returned when the BDXL domain has no U-NAPTR record
	// for a party.
	ErrNoRecords = errors.New("no BDXL record for party")
	// ErrInvalidPartyID is returned for an empty party identifier.
	ErrInvalidPartyID = errors.New("invalid party identifier")
	// ErrInvalidRecord is returned when a NAPTR record cannot be turned
	// into an SMP URL.
	ErrInvalidRecord = errors.New("invalid NAPTR record")
)

// U-NAPTR service tags naming an SMP.
const (
	ServiceSMP1 = "Meta:SMP"
	ServiceSMP2 = "oasis-bdxr-smp-2"
)

// Environment selects the BDXL zone label inserted before the domain.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvAcceptance Environment = "acceptance"
	EnvTest       Environment = "test"
)

// Exchanger sends one DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// LocatorConfig configures a Locator.
type LocatorConfig struct {
	// Domain is the BDXL service provider domain.
	Domain      string
	Environment Environment
	// DNSServer is host:port. Empty means the first resolver of
	// /etc/resolv.conf.
	DNSServer string
	// Service is the U-NAPTR service tag to prefer. Defaults to ServiceSMP1.
	Service   string
	Exchanger Exchanger
	Logger    *slog.Logger
}

// Locator looks up the SMP of a party in BDXL.
type Locator struct {
	cfg    LocatorConfig
	logger *slog.Logger
}

// NewLocator creates a Locator.
func NewLocator(cfg LocatorConfig) *Locator {
	if cfg.Environment == "" {
		cfg.Environment = EnvProduction
	}
	if cfg.Service == "" {
		cfg.Service = ServiceSMP1
	}
	if cfg.Exchanger == nil {
		cfg.Exchanger = &dns.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{cfg: cfg, logger: logger.With(slog.String("component", "bdxl"))}
}

// QueryName returns the DNS name holding the records of partyID.
func (l *Locator) QueryName(partyID string) (string, error) {
	if strings.TrimSpace(partyID) == "" {
		return "", ErrInvalidPartyID
	}
	sum := sha256.Sum256([]byte(partyID))
	label := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	if l.cfg.Environment == EnvProduction {
		return dns.Fqdn(label + "." + l.cfg.Domain), nil
	}
	return dns.Fqdn(label + "." + string(l.cfg.Environment) + "." + l.cfg.Domain), nil
}

// Locate returns the SMP base URL for partyID.
func (l *Locator) Locate(ctx context.Context, partyID string) (string, error) {
	name, err := l.QueryName(partyID)
	if err != nil {
		return "", err
	}
	server, err := l.server()
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeNAPTR)
	msg.RecursionDesired = true

	resp, rtt, err := l.cfg.Exchanger.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", name, err)
	}
	l.logger.Debug("naptr lookup", slog.String("name", name), slog.Duration("rtt", rtt), slog.Int("answers", len(resp.Answer)))

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", fmt.Errorf("%w: %s", ErrNoRecords, partyID)
	default:
		return "", fmt.Errorf("looking up %s: %s", name, dns.RcodeToString[resp.Rcode])
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if n, ok := rr.(*dns.NAPTR); ok {
			records = append(records, n)
		}
	}
	best := selectRecord(records, l.cfg.Service)
	if best == nil {
		return "", fmt.Errorf("%w: %s", ErrNoRecords, partyID)
	}
	return replacementURL(best.Regexp)
}

func (l *Locator) server() (string, error) {
	if l.cfg.DNSServer != "" {
		return l.cfg.DNSServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("reading resolver configuration: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("no DNS server configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// selectRecord picks the U record with the lowest order and preference,
// favouring the preferred service tag over other SMP tags.
func selectRecord(records []*dns.NAPTR, preferred string) *dns.NAPTR {
	var best *dns.NAPTR
	bestPreferred := false
	for _, r := range records {
		if !strings.EqualFold(r.Flags, "U") {
			continue
		}
		isPreferred := strings.EqualFold(r.Service, preferred)
		if !isPreferred && !strings.EqualFold(r.Service, ServiceSMP1) && !strings.EqualFold(r.Service, ServiceSMP2) {
			continue
		}
		switch {
		case best == nil:
		case isPreferred && !bestPreferred:
		case isPreferred == bestPreferred && lessRecord(r, best):
		default:
			continue
		}
		best, bestPreferred = r, isPreferred
	}
	return best
}

func lessRecord(a, b *dns.NAPTR) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.Preference < b.Preference
}

// replacementURL extracts the URL of a "!regexp!replacement!" field.
func replacementURL(field string) (string, error) {
	if len(field) < 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecord, field)
	}
	delim := field[:1]
	parts := strings.Split(field[1:], delim)
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecord, field)
	}
	u, err := url.Parse(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidRecord, u.Scheme)
	}
	return u.String(), nil
}

// FormatEbCorePartyID builds an ebCore party identifier.
func FormatEbCorePartyID(catalog, scheme, id string) string {
	return "urn:oasis:names:tc:ebcore:partyid-type:" + catalog + ":" + scheme + ":" + id
}

package engine

import (
	"log/slog"
	"net/http"

	"github.com/sirosfoundation/as4-engine/pkg/discovery"
	"github.com/sirosfoundation/as4-engine/pkg/msh"
)

// endpointResolver consults the static endpoint map first and falls back
// to BDXL discovery when it is enabled.
func (e *Engine) endpointResolver() msh.EndpointResolver {
	static := msh.NewStaticEndpointResolver(e.cfg.Endpoints)
	dc := e.cfg.Discovery
	if !dc.Enabled {
		return static
	}

	locator := discovery.NewLocator(discovery.LocatorConfig{
		Domain:      dc.Domain,
		Environment: discovery.Environment(dc.Environment),
		DNSServer:   dc.DNSServer,
		Logger:      e.logger,
	})
	dyn, err := discovery.NewResolver(discovery.ResolverConfig{
		Locator:    locator,
		SMP:        discovery.NewSMPClient(&http.Client{Timeout: dc.Timeout}),
		Transports: dc.Transports,
		CacheTTL:   dc.CacheTTL,
		Logger:     e.logger,
		Now:        e.now,
	})
	if err != nil {
		// Unreachable with a locator set.
		e.logger.Error("dynamic discovery disabled", slog.String("error", err.Error()))
		return static
	}
	e.logger.Info("dynamic discovery enabled",
		slog.String("domain", dc.Domain),
		slog.String("environment", dc.Environment))
	return msh.EndpointResolvers{static, dyn}
}

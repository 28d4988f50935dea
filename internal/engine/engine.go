// Package engine assembles the AS4 message service handler from its
// configuration and runs it.
package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/as4-engine/internal/config"
	"github.com/sirosfoundation/as4-engine/internal/keystore"
	"github.com/sirosfoundation/as4-engine/internal/server"
	"github.com/sirosfoundation/as4-engine/internal/storage"
	"github.com/sirosfoundation/as4-engine/internal/storage/mongodb"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/msh"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/profile"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/sdk"
	"github.com/sirosfoundation/as4-engine/pkg/security"
	"github.com/sirosfoundation/as4-engine/pkg/spi"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

// Engine owns every long-lived component of a running MSH
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	now      func() time.Time

	backend    storage.Backend
	keys       *keystore.FileStore
	pmodes     *pmode.MemoryStore
	resolver   *pmode.Resolver
	profiles   *profile.Registry
	mpcs       *mpc.Manager
	duplicates reliability.DuplicateStore
	pool       *worker.Pool
	scheduler  *reliability.Scheduler
	processors *spi.Registry
	handler    *msh.Handler
	sender     *msh.Sender

	as4 *transport.HTTPSServer
	ops *server.Server

	plugins     []plugin
	transmitter msh.Transmitter
}

type plugin struct {
	name    string
	factory spi.Factory
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRegistry sets the prometheus registry metrics are registered with
// and served from.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithProcessor registers an inbound message processor.
func WithProcessor(name string, factory spi.Factory) Option {
	return func(e *Engine) { e.plugins = append(e.plugins, plugin{name: name, factory: factory}) }
}

// WithTransmitter replaces the HTTPS client used for outbound pushes.
func WithTransmitter(t msh.Transmitter) Option {
	return func(e *Engine) { e.transmitter = t }
}

// WithClock overrides the time source of maintenance jobs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine from cfg and starts its worker pool. Close releases
// what New acquired; Run serves it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if err := e.initStorage(ctx); err != nil {
		return nil, err
	}
	sp, err := e.initSecurity()
	if err != nil {
		return nil, err
	}
	if err := e.initProfiles(); err != nil {
		return nil, err
	}
	if err := e.initProcessors(); err != nil {
		return nil, err
	}

	e.pool, err = worker.NewPool(worker.Config{
		Workers:    cfg.Worker.Size,
		QueueSize:  cfg.Worker.QueueSize,
		Logger:     e.logger,
		Registerer: e.registry,
	})
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	e.pool.Start()

	e.scheduler, err = reliability.NewScheduler(e.registry,
		reliability.WithExecutor(e.pool),
		reliability.WithSchedulerLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("creating retry scheduler: %w", err)
	}
	e.pmodes.SetReferenceChecker(e.scheduler)
	if err := e.loadPModes(ctx); err != nil {
		return nil, err
	}

	tempDir := filepath.Join(cfg.DataPath, "tmp")
	if err := os.MkdirAll(tempDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	e.handler, err = msh.NewHandler(msh.Config{
		PModes:      e.resolver,
		Security:    sp,
		Duplicates:  e.duplicates,
		Scheduler:   e.scheduler,
		MPCs:        e.mpcs,
		Processors:  e.processors,
		Pool:        e.pool,
		TempDir:     tempDir,
		MaxBodySize: cfg.Server.MaxBodySize,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating handler: %w", err)
	}

	serverTLS, clientTLS, err := e.transportConfigs()
	if err != nil {
		return nil, err
	}
	if e.transmitter == nil {
		e.transmitter = transport.NewHTTPSClient(clientTLS)
	}
	e.sender, err = msh.NewSender(msh.SenderConfig{
		PModes:      e.resolver,
		Security:    sp,
		Scheduler:   e.scheduler,
		Transmitter: e.transmitter,
		Endpoints:   e.endpointResolver(),
		TempDir:     tempDir,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sender: %w", err)
	}

	e.as4 = transport.NewHTTPSServer(cfg.Server.Address, cfg.Server.Path, serverTLS, e.handler)
	if cfg.Metrics.Metrics.Enabled {
		e.ops = server.New(e.opsConfig())
	}

	e.scheduleMaintenance()
	return e, nil
}

func (e *Engine) initStorage(ctx context.Context) error {
	backend, err := openBackend(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	e.backend = backend
	snap, err := loadSnapshot(ctx, backend)
	if err != nil {
		return fmt.Errorf("loading storage: %w", err)
	}

	pmodeOpts := []pmode.StoreOption{pmode.WithRecords(snap.PModes...), pmode.WithStoreLogger(e.logger)}
	mpcOpts := []mpc.Option{mpc.WithRecords(snap.MPCs...), mpc.WithLogger(e.logger)}
	dupOpts := []reliability.DuplicateOption{
		reliability.WithDuplicateRecords(snap.Duplicates...),
		reliability.WithDuplicateLogger(e.logger),
	}
	if backend != nil {
		pmodeOpts = append(pmodeOpts, pmode.WithJournal(backend))
		mpcOpts = append(mpcOpts, mpc.WithJournal(backend))
		dupOpts = append(dupOpts, reliability.WithDuplicateJournal(backend))
	}
	e.pmodes = pmode.NewMemoryStore(pmodeOpts...)
	e.mpcs = mpc.NewManager(mpcOpts...)

	// Nodes sharing a database share one duplicate detection collection.
	if st, ok := backend.(*mongodb.Store); ok {
		e.duplicates = st.DuplicateStore(e.now)
	} else {
		e.duplicates = reliability.NewMemoryDuplicateStore(dupOpts...)
	}
	return nil
}

func (e *Engine) initSecurity() (*msh.SecurityProcessor, error) {
	ks := e.cfg.Crypto.Keystore
	if ks.Path == "" {
		e.logger.Warn("no keystore configured, PModes requiring security will be rejected")
		return nil, nil
	}
	keys, err := keystore.Open(keystore.Config{
		Dir:      ks.Path,
		Alias:    ks.Alias,
		Password: ks.Password,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}
	e.keys = keys

	var roots *x509.CertPool
	if path := e.cfg.Crypto.Truststore.Path; path != "" {
		roots, err = keystore.LoadTrustPool(path)
		if err != nil {
			return nil, fmt.Errorf("loading truststore: %w", err)
		}
	}
	engine, err := security.NewXMLSecEngine(security.XMLSecConfig{
		Keys:   keys,
		Roots:  roots,
		Logger: e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating security engine: %w", err)
	}
	return msh.NewSecurityProcessor(engine, security.NewResolver(e.logger), e.logger), nil
}

func (e *Engine) initProfiles() error {
	e.profiles = profile.NewRegistry(e.logger)
	if err := profile.RegisterBuiltins(e.profiles); err != nil {
		return fmt.Errorf("registering profiles: %w", err)
	}
	if err := sdk.Register(e.profiles); err != nil {
		return fmt.Errorf("registering sdk profile: %w", err)
	}
	if err := e.profiles.Select(e.cfg.Profile); err != nil {
		return fmt.Errorf("selecting profile: %w", err)
	}
	e.resolver = pmode.NewResolver(e.pmodes, e.profiles, e.logger)
	return nil
}

func (e *Engine) initProcessors() error {
	e.processors = spi.NewRegistry(e.logger)
	if dir := e.cfg.DumpPath; dir != "" {
		dump, err := NewDumpProcessor(dir, e.logger)
		if err != nil {
			return err
		}
		if err := e.processors.Register(DumpProcessorName, func() (spi.Processor, error) { return dump, nil }); err != nil {
			return err
		}
	}
	for _, p := range e.plugins {
		if err := e.processors.Register(p.name, p.factory); err != nil {
			return fmt.Errorf("registering processor %s: %w", p.name, err)
		}
	}
	if err := e.processors.Discover(); err != nil {
		return fmt.Errorf("discovering processors: %w", err)
	}
	return nil
}

// loadPModes applies the configured PMode files over the persisted ones.
func (e *Engine) loadPModes(ctx context.Context) error {
	for _, path := range e.cfg.PModes {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pmode file: %w", err)
		}
		p, err := pmode.UnmarshalXML(data)
		if err != nil {
			return fmt.Errorf("parsing pmode file %s: %w", path, err)
		}
		changed, err := e.pmodes.Update(ctx, p)
		if err == nil && changed == pmode.Unchanged {
			err = e.pmodes.Create(ctx, p)
		}
		if err != nil {
			return fmt.Errorf("loading pmode file %s: %w", path, err)
		}
		e.logger.Debug("pmode loaded", slog.String("pmode_id", p.ID), slog.String("file", path))
	}
	return nil
}

func (e *Engine) transportConfigs() (srv, client *transport.HTTPSConfig, err error) {
	srv = transport.DefaultHTTPSConfig()
	srv.Logger = e.logger
	srv.Timeout = e.cfg.Server.Timeout
	srv.RateLimit = transport.RateLimit{RPS: e.cfg.Server.RateLimit.RPS, Burst: e.cfg.Server.RateLimit.Burst}
	client = transport.DefaultHTTPSConfig()
	client.Logger = e.logger

	tlsCfg := e.cfg.Server.TLS
	if !tlsCfg.Enabled {
		srv.AllowPlainHTTP = true
	} else {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading server certificate: %w", err)
		}
		srv.Certificates = []tls.Certificate{cert}
		// The server certificate doubles as client certificate for mTLS peers.
		client.Certificates = []tls.Certificate{cert}
		if tlsCfg.ClientCAFile != "" {
			pool, err := keystore.LoadTrustPool(tlsCfg.ClientCAFile)
			if err != nil {
				return nil, nil, fmt.Errorf("loading client CAs: %w", err)
			}
			srv.ClientCAs = pool
			srv.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	if path := e.cfg.Crypto.Truststore.Path; path != "" {
		pool, err := keystore.LoadTrustPool(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading truststore: %w", err)
		}
		client.RootCAs = pool
	}
	return srv, client, nil
}

func (e *Engine) opsConfig() server.Config {
	cfg := server.Config{
		PModes:      e.pmodes,
		MPCs:        e.mpcs,
		Pool:        e.pool,
		Scheduler:   e.scheduler,
		Sender:      e.sender,
		Gatherer:    e.registry,
		MetricsPath: e.cfg.Metrics.Metrics.Path,
		Ready:       e.Ready,
		AdminKey:    e.cfg.Metrics.AdminKey,
		Logger:      e.logger,
	}
	if e.keys != nil {
		cfg.Keys = e.keys
	}
	return cfg
}

func (e *Engine) scheduleMaintenance() {
	interval := e.cfg.Worker.EvictionInterval
	window := e.cfg.DuplicateWindow()

	e.pool.Schedule("duplicate-eviction", interval,
		reliability.NewEvictionJob(e.duplicates, window, e.now, e.logger, e.handler.ForgetResponses))

	e.pool.Schedule("delivery-prune", interval, func(context.Context) error {
		if n := e.scheduler.Prune(e.now().Add(-window)); n > 0 {
			e.logger.Debug("pruned finished deliveries", slog.Int("count", n))
		}
		return nil
	})
}

// Ready reports whether the storage backend is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	if st, ok := e.backend.(*mongodb.Store); ok {
		return st.Ping(ctx)
	}
	return nil
}

// Run serves the AS4 endpoint and, when enabled, the operations server
// until ctx is cancelled or a listener fails.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.as4.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("as4 server: %w", err)
		}
		return nil
	})
	if e.ops != nil {
		addr := e.cfg.Metrics.Metrics.Address
		g.Go(func() error {
			if err := e.ops.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Worker.ShutdownTimeout)
		defer cancel()
		e.logger.Info("shutting down servers")
		var errs []error
		errs = append(errs, e.as4.Shutdown(shutdownCtx))
		if e.ops != nil {
			errs = append(errs, e.ops.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	e.logger.Info("engine running",
		slog.String("addr", e.cfg.Server.Address),
		slog.String("path", e.cfg.Server.Path),
		slog.String("profile", e.cfg.Profile),
		slog.String("storage", e.cfg.Storage.Backend))
	return g.Wait()
}

// Close lets pending deliveries finish, drains the worker pool and closes
// the storage backend, all within the worker shutdown timeout. Deliveries
// still retrying at the deadline are abandoned. Call it after Run returns.
func (e *Engine) Close() {
	timeout := e.cfg.Worker.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if e.scheduler != nil {
		if err := e.scheduler.Shutdown(ctx); err != nil {
			e.logger.Warn("deliveries abandoned at shutdown", slog.String("error", err.Error()))
		}
	}
	if e.pool != nil {
		if err := e.pool.Shutdown(ctx); err != nil {
			e.logger.Warn("worker pool did not drain", slog.String("error", err.Error()))
		}
	}
	if e.backend != nil {
		if err := e.backend.Close(); err != nil {
			e.logger.Warn("closing storage", slog.String("error", err.Error()))
		}
		e.backend = nil
	}
}

// Handler is the inbound message handler.
func (e *Engine) Handler() *msh.Handler { return e.handler }

// AS4Handler is the routing handler of the AS4 endpoint.
func (e *Engine) AS4Handler() http.Handler { return e.as4.Handler() }

// OpsHandler is the routing handler of the operations server, nil when
// disabled.
func (e *Engine) OpsHandler() http.Handler {
	if e.ops == nil {
		return nil
	}
	return e.ops.Handler()
}

// Sender submits outbound messages.
func (e *Engine) Sender() *msh.Sender { return e.sender }

// PModes is the PMode store.
func (e *Engine) PModes() pmode.Store { return e.pmodes }

// Scheduler tracks outbound deliveries.
func (e *Engine) Scheduler() *reliability.Scheduler { return e.scheduler }

package pickd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"pkt.systems/pickd/internal/auth"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/core"
	"pkt.systems/pickd/internal/events"
	"pkt.systems/pickd/internal/httpapi"
	"pkt.systems/pickd/internal/metrics"
	"pkt.systems/pickd/internal/storage"
	"pkt.systems/pickd/internal/storage/disk"
	"pkt.systems/pickd/internal/storage/memory"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, lease store backend, event broadcaster, and
// the lease reclamation sweeper.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownedBackend bool
	service      *core.Service
	broadcaster  *events.Broadcaster
	metrics      *metrics.Set
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	authCloser   io.Closer
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Clock     clock.Clock
	Validator auth.Validator
	Catalog   catalog.Source
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built lease store backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithValidator injects a credential validator, bypassing Config.AuthFile.
func WithValidator(v auth.Validator) Option {
	return func(o *options) {
		o.Validator = v
	}
}

// WithCatalog injects an order catalog source, bypassing Config.CatalogPath.
func WithCatalog(src catalog.Source) Option {
	return func(o *options) {
		o.Catalog = src
	}
}

// NewServer constructs a pickd server according to cfg.
// Example:
//
//	cfg := pickd.Config{Store: "mem://", Listen: ":9344", CatalogPath: "orders.yaml", AuthFile: "users.yaml"}
//	srv, err := pickd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		var err error
		backend, err = openBackend(cfg)
		if err != nil {
			return nil, err
		}
		ownedBackend = true
	}

	catalogSource := o.Catalog
	if catalogSource == nil {
		if cfg.CatalogPath == "" {
			closeOwned(ownedBackend, backend)
			return nil, fmt.Errorf("config: catalog path required when no catalog source is injected")
		}
		var err error
		catalogSource, err = catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			closeOwned(ownedBackend, backend)
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}

	validator := o.Validator
	var authCloser io.Closer
	if validator == nil {
		if cfg.AuthFile == "" {
			closeOwned(ownedBackend, backend)
			return nil, fmt.Errorf("config: auth file required when no validator is injected")
		}
		store, err := auth.NewFileStore(cfg.AuthFile, logger.With("sys", "auth"))
		if err != nil {
			closeOwned(ownedBackend, backend)
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		validator = store
		authCloser = store
	}

	set := metrics.New()
	broadcaster := events.New(logger.With("sys", "events"), serverClock, set)
	service := core.New(core.Config{
		Store:    backend,
		Catalog:  catalogSource,
		Auth:     validator,
		Events:   broadcaster,
		Logger:   logger.With("sys", "core"),
		Clock:    serverClock,
		LeaseTTL: cfg.LeaseTTL,
		Metrics:  set,
	})

	handler := httpapi.New(httpapi.Config{
		Core:         service,
		Events:       broadcaster,
		Logger:       logger.With("sys", "http"),
		Clock:        serverClock,
		JSONMaxBytes: cfg.JSONMaxBytes,
		EventBuffer:  cfg.EventBuffer,
	})

	telemetry, err := setupTelemetry(cfg.MetricsListen, cfg.PprofListen, set.Registry(), logger.With("sys", "telemetry"))
	if err != nil {
		closeOwned(ownedBackend, backend)
		if authCloser != nil {
			_ = authCloser.Close()
		}
		return nil, err
	}

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:          cfg,
		logger:       logger.With("sys", "server"),
		backend:      backend,
		ownedBackend: ownedBackend,
		service:      service,
		broadcaster:  broadcaster,
		metrics:      set,
		handler:      handler,
		httpSrv:      httpSrv,
		clock:        serverClock,
		telemetry:    telemetry,
		authCloser:   authCloser,
		readyCh:      make(chan struct{}),
	}, nil
}

func closeOwned(owned bool, backend storage.Backend) {
	if owned {
		_ = backend.Close()
	}
}

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return memory.New(), nil
	case "disk":
		return disk.New(storePath(u))
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// Handler returns the underlying HTTP handler so pickd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Service exposes the core picking service for in-process callers.
func (s *Server) Service() *core.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"lease_ttl", s.cfg.LeaseTTL.String(),
		"sweeper_interval", s.cfg.SweeperInterval.String(),
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.authCloser != nil {
		_ = s.authCloser.Close()
		s.authCloser = nil
	}
	if s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if err := s.service.SweepExpired(context.Background()); err != nil {
					s.logger.Warn("sweeper.iteration_failed", "error", err)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. It is primarily useful for diagnostics; Shutdown already
// reports any fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a pickd server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside
// a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		_ = srv.Close()
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

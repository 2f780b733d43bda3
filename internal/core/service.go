// Package core implements the transport-agnostic picking coordination
// service: the lock manager over the lease store, the heartbeat sweep, the
// authoritative pick state, and the exception authorization gate.
package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pickd/internal/auth"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/events"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pickd/internal/metrics"
	"pkt.systems/pickd/internal/storage"
	"pkt.systems/pslog"
)

// DefaultLeaseTTL is the baseline lease duration when none is configured.
const DefaultLeaseTTL = 30 * time.Second

// Config assembles the collaborators for a core Service.
type Config struct {
	Store    storage.Backend
	Catalog  catalog.Source
	Auth     auth.Validator
	Events   *events.Broadcaster
	Logger   pslog.Logger
	Clock    clock.Clock
	LeaseTTL time.Duration
	Metrics  *metrics.Set
}

// Service aggregates the picking coordination domain operations.
type Service struct {
	store    storage.Backend
	catalog  catalog.Source
	auth     auth.Validator
	events   *events.Broadcaster
	logger   pslog.Logger
	clock    clock.Clock
	leaseTTL time.Duration
	metrics  *metrics.Set

	createLocks sync.Map // section key -> *sync.Mutex
}

// New constructs the core Service with sane defaults.
func New(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Service{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		auth:     cfg.Auth,
		events:   cfg.Events,
		logger:   loggingutil.EnsureLogger(cfg.Logger),
		clock:    clk,
		leaseTTL: ttl,
		metrics:  cfg.Metrics,
	}
}

// LeaseTTL exposes the configured lease timeout.
func (s *Service) LeaseTTL() time.Duration {
	return s.leaseTTL
}

func (s *Service) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

func (s *Service) publish(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, payload)
}

func sectionLockKey(orderID, sectionID string) string {
	return orderID + "\x00" + sectionID
}

func (s *Service) creationMutex(orderID, sectionID string) *sync.Mutex {
	mu, _ := s.createLocks.LoadOrStore(sectionLockKey(orderID, sectionID), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

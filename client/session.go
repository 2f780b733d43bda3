package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pickd/replica"
	"pkt.systems/pslog"
)

// Flush retry backoff bounds. Transient network failures back off
// exponentially; local state is never discarded on failure, so a later
// retry can still succeed.
const (
	flushBackoffInitial = 500 * time.Millisecond
	flushBackoffMax     = 5 * time.Second
	flushBackoffFactor  = 1.6
)

// ErrSessionExpired is returned by Session operations after the server has
// reclaimed the lease; the device must re-acquire and re-seed.
var ErrSessionExpired = errors.New("pickd: session expired")

// SessionConfig assembles a device picking session.
type SessionConfig struct {
	Client    *Client
	Store     replica.Store
	OrderID   string
	SectionID string
	UserID    string

	// HeartbeatInterval defaults to a third of the lease lifetime observed
	// at acquire time.
	HeartbeatInterval time.Duration
	Logger            pslog.Logger
	Clock             clock.Clock
}

// Session holds one section lease on behalf of a device: it seeds the local
// replica from the acquire snapshot, renews the lease in the background, and
// flushes locally recorded picks to the server. Picks recorded through the
// session survive restarts and connectivity loss; only the durable local
// write has to succeed for RecordPick to return.
type Session struct {
	client    *Client
	rep       *replica.Replica
	logger    pslog.Logger
	clock     clock.Clock
	orderID   string
	sectionID string
	userID    string
	sessionID string
	interval  time.Duration

	stop     chan struct{}
	expired  chan struct{}
	stopOnce sync.Once
	expOnce  sync.Once
	wg       sync.WaitGroup
}

// StartSession acquires the section lease, seeds the replica, and starts the
// heartbeat loop. A lock_conflict or other server refusal is returned as the
// underlying *APIError.
func StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("pickd: session requires a client")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pickd: session requires a replica store")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	resp, err := cfg.Client.Acquire(ctx, cfg.OrderID, cfg.SectionID, cfg.UserID)
	if err != nil {
		return nil, err
	}

	logger := loggingutil.EnsureLogger(cfg.Logger)
	rep := replica.Open(cfg.Store, resp.SessionID, func() time.Time { return clk.Now() })
	if err := rep.Seed(resp.Items); err != nil {
		// Seeding failed on local storage; give the lease back. When that
		// fails too the lease is orphaned until the sweeper reclaims it,
		// which is worth a trace in the device log.
		if _, relErr := cfg.Client.Release(ctx, cfg.OrderID, cfg.SectionID, resp.SessionID); relErr != nil {
			logger.Warn("session.seed.release_failed", "session_id", resp.SessionID, "error", relErr)
		}
		return nil, fmt.Errorf("seed replica: %w", err)
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		ttl := time.Duration(resp.ExpiresAt-clk.Now().Unix()) * time.Second
		interval = ttl / 3
		if interval < time.Second {
			interval = time.Second
		}
	}

	s := &Session{
		client:    cfg.Client,
		rep:       rep,
		logger:    logger,
		clock:     clk,
		orderID:   cfg.OrderID,
		sectionID: cfg.SectionID,
		userID:    cfg.UserID,
		sessionID: resp.SessionID,
		interval:  interval,
		stop:      make(chan struct{}),
		expired:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.heartbeatLoop()
	return s, nil
}

// ID returns the session token.
func (s *Session) ID() string { return s.sessionID }

// Expired is closed when the server reports the lease as gone.
func (s *Session) Expired() <-chan struct{} { return s.expired }

// Replica exposes the session's local item state.
func (s *Session) Replica() *replica.Replica { return s.rep }

// RecordPick stores a pick locally and durably; no network is involved, so
// it works offline. Call Flush to push pending picks to the server.
func (s *Session) RecordPick(itemID string, pick replica.LocalPick) (replica.Item, error) {
	select {
	case <-s.expired:
		return replica.Item{}, ErrSessionExpired
	default:
	}
	return s.rep.RecordPick(itemID, pick)
}

// Flush pushes every locally pending pick to the server, marking each synced
// as it is accepted. Transient failures retry with capped backoff until ctx
// ends; pending local state survives any failure. A session_expired answer
// stops the flush and marks the session expired.
func (s *Session) Flush(ctx context.Context) error {
	pending, err := s.rep.PendingSync()
	if err != nil {
		return err
	}
	for _, item := range pending {
		if err := s.flushItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) flushItem(ctx context.Context, item replica.Item) error {
	backoff := flushBackoffInitial
	for {
		resp, err := s.client.SubmitPick(ctx, api.SubmitPickRequest{
			SessionID:     s.sessionID,
			OrderID:       s.orderID,
			SectionID:     s.sectionID,
			ItemID:        item.ItemID,
			PickedQty:     item.PickedQtyLocal,
			ExceptionQty:  item.ExceptionQty,
			ExceptionType: item.ExceptionType,
			Observation:   item.Observation,
		})
		if err == nil {
			return s.rep.MarkSynced(resp.Item)
		}
		if IsCode(err, api.ErrCodeSessionExpired) {
			s.markExpired()
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// The server understood and refused; retrying the same payload
			// cannot help.
			return err
		}
		s.logger.Warn("session.flush.retry", "item_id", item.ItemID, "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * flushBackoffFactor)
		if backoff > flushBackoffMax {
			backoff = flushBackoffMax
		}
	}
}

// Finish flushes pending picks, completes the section, and discards the
// local replica state.
func (s *Session) Finish(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if _, err := s.client.FinishSection(ctx, s.orderID, s.sectionID, s.sessionID); err != nil {
		if IsCode(err, api.ErrCodeSessionExpired) {
			s.markExpired()
		}
		return err
	}
	s.stopHeartbeat()
	if err := s.rep.Discard(); err != nil {
		return fmt.Errorf("discard replica: %w", err)
	}
	return nil
}

// Release gives the lease back without finishing the section and discards
// the local replica state.
func (s *Session) Release(ctx context.Context) error {
	s.stopHeartbeat()
	if _, err := s.client.Release(ctx, s.orderID, s.sectionID, s.sessionID); err != nil {
		return err
	}
	if err := s.rep.Discard(); err != nil {
		return fmt.Errorf("discard replica: %w", err)
	}
	return nil
}

// Close stops the heartbeat loop without touching server or local state, for
// a device going offline that intends to flush later.
func (s *Session) Close() {
	s.stopHeartbeat()
}

func (s *Session) stopHeartbeat() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Session) markExpired() {
	s.expOnce.Do(func() { close(s.expired) })
}

// heartbeatLoop renews the lease on a fixed cadence. Network errors are
// logged and retried on the next tick; a session_expired answer ends the
// loop and signals Expired.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.clock.After(s.interval):
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		_, err := s.client.Renew(ctx, s.orderID, s.sectionID, s.sessionID)
		cancel()
		if err == nil {
			continue
		}
		if IsCode(err, api.ErrCodeSessionExpired) {
			s.logger.Warn("session.heartbeat.expired", "session_id", s.sessionID)
			s.markExpired()
			return
		}
		s.logger.Warn("session.heartbeat.failed", "session_id", s.sessionID, "error", err)
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/storage"
	"pkt.systems/pickd/internal/uuidv7"
)

// Acquire obtains exclusive custody of one (order, section) pair. Conflict
// policy is first-writer-wins: a held pair fails immediately naming the
// current holder, there is no queueing.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (*AcquireResult, error) {
	logger := s.requestLogger(ctx)
	orderID := strings.TrimSpace(cmd.OrderID)
	sectionID := strings.TrimSpace(cmd.SectionID)
	userID := strings.TrimSpace(cmd.UserID)
	if orderID == "" || sectionID == "" || userID == "" {
		return nil, Failure{Code: CodeValidation, Detail: "order_id, section_id, and user_id are required", HTTPStatus: http.StatusBadRequest}
	}

	logger.Info("lease.acquire.begin",
		"order", orderID,
		"section", sectionID,
		"user", userID,
		"ttl_seconds", s.leaseTTL.Seconds(),
	)

	sessionID := uuidv7.NewString()
	for {
		now := s.clock.Now()
		rec, etag, err := s.store.LoadSection(ctx, orderID, sectionID)
		var creationMu *sync.Mutex
		switch {
		case errors.Is(err, storage.ErrNotFound):
			items, seedErr := s.catalog.SectionItems(ctx, orderID, sectionID)
			if errors.Is(seedErr, catalog.ErrUnknownSection) {
				s.metrics.IncLockOp("acquire", "unknown")
				return nil, Failure{Code: CodeUnknownSection, Detail: fmt.Sprintf("no items for order %s section %s", orderID, sectionID), HTTPStatus: http.StatusNotFound}
			}
			if seedErr != nil {
				return nil, fmt.Errorf("seed section: %w", seedErr)
			}
			rec = newSectionRecord(orderID, sectionID, items)
			etag = ""
			creationMu = s.creationMutex(orderID, sectionID)
			creationMu.Lock()
		case err != nil:
			return nil, fmt.Errorf("load section: %w", err)
		}

		if rec.Lease != nil && rec.Lease.ExpiresAtUnix <= now.Unix() {
			rec.Lease = nil
		}
		if rec.Lease != nil {
			if creationMu != nil {
				creationMu.Unlock()
			}
			holder := rec.Lease.UserID
			retry := rec.Lease.ExpiresAtUnix - now.Unix()
			if retry < 1 {
				retry = 1
			}
			s.metrics.IncLockOp("acquire", "conflict")
			logger.Info("lease.acquire.conflict",
				"order", orderID,
				"section", sectionID,
				"user", userID,
				"holder", holder,
			)
			return nil, Failure{
				Code:         CodeLockConflict,
				Detail:       fmt.Sprintf("section held by %s", holder),
				HolderUserID: holder,
				RetryAfter:   retry,
				HTTPStatus:   http.StatusConflict,
			}
		}
		if rec.Finished {
			if creationMu != nil {
				creationMu.Unlock()
			}
			s.metrics.IncLockOp("acquire", "finished")
			return nil, Failure{Code: CodeSectionFinished, Detail: "section already finished", HTTPStatus: http.StatusConflict}
		}

		rec.Lease = &storage.Lease{
			SessionID:         sessionID,
			UserID:            userID,
			AcquiredAtUnix:    now.Unix(),
			LastHeartbeatUnix: now.Unix(),
			ExpiresAtUnix:     now.Add(s.leaseTTL).Unix(),
		}
		rec.UpdatedAtUnix = now.Unix()

		_, err = s.store.StoreSection(ctx, rec, etag)
		if creationMu != nil {
			creationMu.Unlock()
		}
		if err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store section: %w", err)
		}

		s.metrics.IncLockOp("acquire", "ok")
		s.publish(api.EventLockAcquired, map[string]any{
			"order_id":   orderID,
			"section_id": sectionID,
			"user_id":    userID,
		})
		logger.Info("lease.acquire.success",
			"order", orderID,
			"section", sectionID,
			"user", userID,
			"session", sessionID,
			"expires_at", rec.Lease.ExpiresAtUnix,
		)
		return &AcquireResult{
			SessionID: sessionID,
			OrderID:   orderID,
			SectionID: sectionID,
			ExpiresAt: rec.Lease.ExpiresAtUnix,
			Items:     append([]storage.Item(nil), rec.Items...),
		}, nil
	}
}

// Renew updates the lease heartbeat for the session. A reclaimed or
// mismatched session fails with session_expired and the device must
// re-acquire.
func (s *Service) Renew(ctx context.Context, cmd RenewCommand) (*RenewResult, error) {
	logger := s.requestLogger(ctx)
	if err := requireSession(cmd.OrderID, cmd.SectionID, cmd.SessionID); err != nil {
		return nil, err
	}

	for {
		now := s.clock.Now()
		rec, etag, err := s.store.LoadSection(ctx, cmd.OrderID, cmd.SectionID)
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncLockOp("renew", "expired")
			return nil, sessionExpired("no lease exists for this section")
		}
		if err != nil {
			return nil, fmt.Errorf("load section: %w", err)
		}
		if err := validateLease(rec, cmd.SessionID, now); err != nil {
			s.metrics.IncLockOp("renew", "expired")
			return nil, err
		}

		rec.Lease.LastHeartbeatUnix = now.Unix()
		rec.Lease.ExpiresAtUnix = now.Add(s.leaseTTL).Unix()
		rec.UpdatedAtUnix = now.Unix()

		if _, err := s.store.StoreSection(ctx, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store section: %w", err)
		}
		s.metrics.IncLockOp("renew", "ok")
		logger.Debug("lease.renew.success",
			"order", cmd.OrderID,
			"section", cmd.SectionID,
			"session", cmd.SessionID,
			"expires_at", rec.Lease.ExpiresAtUnix,
		)
		return &RenewResult{ExpiresAt: rec.Lease.ExpiresAtUnix}, nil
	}
}

// Release relinquishes the lease when SessionID matches the current holder.
// A mismatched or reclaimed session is a no-op failure; it never deletes
// another holder's lease.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (*ReleaseResult, error) {
	logger := s.requestLogger(ctx)
	if err := requireSession(cmd.OrderID, cmd.SectionID, cmd.SessionID); err != nil {
		return nil, err
	}

	for {
		now := s.clock.Now()
		rec, etag, err := s.store.LoadSection(ctx, cmd.OrderID, cmd.SectionID)
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncLockOp("release", "expired")
			return nil, sessionExpired("no lease exists for this section")
		}
		if err != nil {
			return nil, fmt.Errorf("load section: %w", err)
		}
		if err := validateLease(rec, cmd.SessionID, now); err != nil {
			s.metrics.IncLockOp("release", "expired")
			return nil, err
		}

		userID := rec.Lease.UserID
		rec.Lease = nil
		rec.UpdatedAtUnix = now.Unix()

		if _, err := s.store.StoreSection(ctx, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store section: %w", err)
		}
		s.metrics.IncLockOp("release", "ok")
		s.publish(api.EventLockReleased, map[string]any{
			"order_id":   cmd.OrderID,
			"section_id": cmd.SectionID,
			"user_id":    userID,
			"reason":     api.ReleaseReasonReleased,
		})
		logger.Info("lease.release.success",
			"order", cmd.OrderID,
			"section", cmd.SectionID,
			"session", cmd.SessionID,
		)
		return &ReleaseResult{Released: true}, nil
	}
}

func newSectionRecord(orderID, sectionID string, items []catalog.Item) *storage.SectionRecord {
	rec := &storage.SectionRecord{
		OrderID:   orderID,
		SectionID: sectionID,
		Items:     make([]storage.Item, 0, len(items)),
	}
	for _, item := range items {
		rec.Items = append(rec.Items, storage.Item{
			ItemID:       item.ItemID,
			ProductRef:   item.ProductRef,
			RequestedQty: item.RequestedQty,
			Status:       api.ItemStatusPending,
		})
	}
	return rec
}

func requireSession(orderID, sectionID, sessionID string) error {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(sectionID) == "" || strings.TrimSpace(sessionID) == "" {
		return Failure{Code: CodeValidation, Detail: "order_id, section_id, and session_id are required", HTTPStatus: http.StatusBadRequest}
	}
	return nil
}

func sessionExpired(detail string) error {
	return Failure{Code: CodeSessionExpired, Detail: detail, HTTPStatus: http.StatusNotFound}
}

// validateLease checks that rec carries an unexpired lease held by sessionID.
// Expiry is judged against the clock here rather than waiting for the
// sweeper, so a dead session can never renew itself back to life.
func validateLease(rec *storage.SectionRecord, sessionID string, now time.Time) error {
	if rec == nil || rec.Lease == nil {
		return sessionExpired("no active lease")
	}
	if rec.Lease.SessionID != sessionID {
		return sessionExpired("session does not hold this section")
	}
	if rec.Lease.ExpiresAtUnix <= now.Unix() {
		return sessionExpired("lease expired")
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/storage"
)

// SweepExpired walks the lease store and force-releases every lease whose
// heartbeat lapsed past the TTL. This is the only path that releases a lock
// the holder did not release explicitly. A concurrent explicit release wins
// the CAS and turns this sweep into a no-op for that lease; the overlap is
// never an error.
func (s *Service) SweepExpired(ctx context.Context) error {
	keys, err := s.store.ListSections(ctx)
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}

	active := 0
	reclaimed := 0
	var firstErr error
	for _, key := range keys {
		rec, etag, err := s.store.LoadSection(ctx, key.OrderID, key.SectionID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("load section %s/%s: %w", key.OrderID, key.SectionID, err)
			}
			continue
		}
		if rec.Lease == nil {
			continue
		}
		now := s.clock.Now()
		if rec.Lease.ExpiresAtUnix > now.Unix() {
			active++
			continue
		}

		holder := rec.Lease.UserID
		rec.Lease = nil
		rec.UpdatedAtUnix = now.Unix()
		if _, err := s.store.StoreSection(ctx, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				// Explicit release or re-acquire got there first.
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("store section %s/%s: %w", key.OrderID, key.SectionID, err)
			}
			continue
		}

		reclaimed++
		s.publish(api.EventLockReleased, map[string]any{
			"order_id":   key.OrderID,
			"section_id": key.SectionID,
			"user_id":    holder,
			"reason":     api.ReleaseReasonExpired,
		})
		s.logger.Info("sweep.lease_reclaimed",
			"order", key.OrderID,
			"section", key.SectionID,
			"holder", holder,
		)
	}

	s.metrics.RecordSweep(active, reclaimed)
	if reclaimed > 0 {
		s.logger.Info("sweep.complete", "reclaimed", reclaimed, "active", active)
	} else {
		s.logger.Debug("sweep.complete", "reclaimed", 0, "active", active)
	}
	return firstErr
}

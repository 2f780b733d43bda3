package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/storage"
	"pkt.systems/pickd/internal/uuidv7"
)

// SubmitPick records one pick against the authoritative item state. The
// session lease must be valid; the section lease is what makes the item a
// single-writer record, so the last accepted quantity simply replaces the
// previous one. An exception flagged on the pick is persisted against the
// owning order and blocks it until a supervisor authorizes it.
func (s *Service) SubmitPick(ctx context.Context, cmd SubmitPickCommand) (*SubmitPickResult, error) {
	logger := s.requestLogger(ctx)
	if err := requireSession(cmd.OrderID, cmd.SectionID, cmd.SessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.ItemID) == "" {
		return nil, Failure{Code: CodeValidation, Detail: "item_id is required", HTTPStatus: http.StatusBadRequest}
	}
	if cmd.PickedQty < 0 {
		return nil, Failure{Code: CodeValidation, Detail: "picked_qty must not be negative", HTTPStatus: http.StatusUnprocessableEntity}
	}
	if err := validateExceptionFields(cmd.ExceptionQty, cmd.ExceptionType); err != nil {
		return nil, err
	}

	for {
		now := s.clock.Now()
		rec, etag, err := s.store.LoadSection(ctx, cmd.OrderID, cmd.SectionID)
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.IncPick("expired")
			return nil, sessionExpired("no lease exists for this section")
		}
		if err != nil {
			return nil, fmt.Errorf("load section: %w", err)
		}
		if err := validateLease(rec, cmd.SessionID, now); err != nil {
			s.metrics.IncPick("expired")
			return nil, err
		}

		idx := -1
		for i := range rec.Items {
			if rec.Items[i].ItemID == cmd.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.metrics.IncPick("rejected")
			return nil, Failure{Code: CodeUnknownItem, Detail: fmt.Sprintf("item %s not in section", cmd.ItemID), HTTPStatus: http.StatusUnprocessableEntity}
		}
		item := &rec.Items[idx]
		if cmd.PickedQty > item.RequestedQty {
			s.metrics.IncPick("rejected")
			return nil, Failure{Code: CodeValidation, Detail: fmt.Sprintf("picked_qty %d exceeds requested_qty %d", cmd.PickedQty, item.RequestedQty), HTTPStatus: http.StatusUnprocessableEntity}
		}

		item.PickedQty = cmd.PickedQty
		item.Status = api.ItemStatusPicked
		newException := false
		if cmd.ExceptionQty > 0 {
			// Re-flagging an item whose previous exception was already
			// authorized opens a fresh exception; the authorized one is
			// terminal and stays in the order's history.
			if item.ExceptionID == "" || s.exceptionAuthorized(ctx, cmd.OrderID, item.ExceptionID) {
				item.ExceptionID = uuidv7.NewString()
				newException = true
			}
			item.ExceptionQty = cmd.ExceptionQty
			item.ExceptionType = cmd.ExceptionType
		}
		rec.UpdatedAtUnix = now.Unix()

		if _, err := s.store.StoreSection(ctx, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store section: %w", err)
		}

		if cmd.ExceptionQty > 0 {
			exc := storage.Exception{
				ExceptionID:      item.ExceptionID,
				OrderID:          cmd.OrderID,
				SectionID:        cmd.SectionID,
				ItemID:           cmd.ItemID,
				Quantity:         cmd.ExceptionQty,
				Type:             cmd.ExceptionType,
				Observation:      cmd.Observation,
				ReportedByUserID: rec.Lease.UserID,
				CreatedAtUnix:    now.Unix(),
			}
			if err := s.upsertException(ctx, cmd.OrderID, exc, newException); err != nil {
				return nil, err
			}
			s.publish(api.EventExceptionCreated, map[string]any{
				"exception_id": exc.ExceptionID,
				"order_id":     cmd.OrderID,
				"section_id":   cmd.SectionID,
				"item_id":      cmd.ItemID,
				"type":         exc.Type,
				"quantity":     exc.Quantity,
			})
			logger.Info("pick.exception_reported",
				"order", cmd.OrderID,
				"section", cmd.SectionID,
				"item", cmd.ItemID,
				"exception", exc.ExceptionID,
				"type", exc.Type,
				"quantity", exc.Quantity,
			)
		}

		s.metrics.IncPick("accepted")
		s.publish(api.EventPickingUpdate, map[string]any{
			"order_id":   cmd.OrderID,
			"section_id": cmd.SectionID,
			"item_id":    cmd.ItemID,
			"user_id":    rec.Lease.UserID,
		})
		logger.Debug("pick.accepted",
			"order", cmd.OrderID,
			"section", cmd.SectionID,
			"item", cmd.ItemID,
			"picked_qty", cmd.PickedQty,
		)
		return &SubmitPickResult{Item: rec.Items[idx]}, nil
	}
}

// FinishSection marks the section complete and releases its lease. It fails
// while items remain pending and while any unauthorized exception blocks the
// owning order.
func (s *Service) FinishSection(ctx context.Context, cmd FinishCommand) (*FinishResult, error) {
	logger := s.requestLogger(ctx)
	if err := requireSession(cmd.OrderID, cmd.SectionID, cmd.SessionID); err != nil {
		return nil, err
	}

	for {
		now := s.clock.Now()
		rec, etag, err := s.store.LoadSection(ctx, cmd.OrderID, cmd.SectionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, sessionExpired("no lease exists for this section")
		}
		if err != nil {
			return nil, fmt.Errorf("load section: %w", err)
		}
		if err := validateLease(rec, cmd.SessionID, now); err != nil {
			return nil, err
		}

		pending := 0
		for _, item := range rec.Items {
			if item.Status == api.ItemStatusPending {
				pending++
			}
		}
		if pending > 0 {
			return nil, Failure{Code: CodeSectionIncomplete, Detail: fmt.Sprintf("%d items still pending", pending), HTTPStatus: http.StatusConflict}
		}

		list, _, err := s.store.LoadExceptions(ctx, cmd.OrderID)
		if err != nil {
			return nil, fmt.Errorf("load exceptions: %w", err)
		}
		blocked := 0
		for _, exc := range list {
			if exc.AuthorizedByUserID == "" {
				blocked++
			}
		}
		if blocked > 0 {
			return nil, Failure{Code: CodeOrderBlocked, Detail: fmt.Sprintf("%d exceptions await authorization", blocked), HTTPStatus: http.StatusConflict}
		}

		userID := rec.Lease.UserID
		rec.Finished = true
		rec.Lease = nil
		rec.UpdatedAtUnix = now.Unix()

		if _, err := s.store.StoreSection(ctx, rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return nil, fmt.Errorf("store section: %w", err)
		}

		s.publish(api.EventPickingFinished, map[string]any{
			"order_id":   cmd.OrderID,
			"section_id": cmd.SectionID,
			"user_id":    userID,
		})
		s.publish(api.EventLockReleased, map[string]any{
			"order_id":   cmd.OrderID,
			"section_id": cmd.SectionID,
			"user_id":    userID,
			"reason":     api.ReleaseReasonFinished,
		})
		logger.Info("pick.section_finished",
			"order", cmd.OrderID,
			"section", cmd.SectionID,
			"user", userID,
		)
		return &FinishResult{Finished: true}, nil
	}
}

// SectionItems is the observer re-fetch surface. Sections never touched by a
// device are synthesized from the catalog without being persisted.
func (s *Service) SectionItems(ctx context.Context, orderID, sectionID string) (*SectionView, error) {
	rec, _, err := s.store.LoadSection(ctx, orderID, sectionID)
	if errors.Is(err, storage.ErrNotFound) {
		items, seedErr := s.catalog.SectionItems(ctx, orderID, sectionID)
		if errors.Is(seedErr, catalog.ErrUnknownSection) {
			return nil, Failure{Code: CodeUnknownSection, Detail: fmt.Sprintf("no items for order %s section %s", orderID, sectionID), HTTPStatus: http.StatusNotFound}
		}
		if seedErr != nil {
			return nil, fmt.Errorf("seed section: %w", seedErr)
		}
		rec = newSectionRecord(orderID, sectionID, items)
	} else if err != nil {
		return nil, fmt.Errorf("load section: %w", err)
	}

	view := &SectionView{
		OrderID:   orderID,
		SectionID: sectionID,
		Finished:  rec.Finished,
		Items:     append([]storage.Item(nil), rec.Items...),
	}
	if rec.Lease != nil && rec.Lease.ExpiresAtUnix > s.clock.Now().Unix() {
		view.Held = true
		view.HolderUserID = rec.Lease.UserID
	}
	return view, nil
}

// OrderExceptions lists an order's exceptions for the supervisor dashboard.
func (s *Service) OrderExceptions(ctx context.Context, orderID string) (*OrderExceptionsView, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, Failure{Code: CodeValidation, Detail: "order_id is required", HTTPStatus: http.StatusBadRequest}
	}
	list, _, err := s.store.LoadExceptions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}
	view := &OrderExceptionsView{OrderID: orderID, Exceptions: list}
	for _, exc := range list {
		if exc.AuthorizedByUserID == "" {
			view.Blocked = true
			break
		}
	}
	return view, nil
}

func validateExceptionFields(quantity int64, exceptionType string) error {
	if quantity < 0 {
		return Failure{Code: CodeValidation, Detail: "exception_qty must not be negative", HTTPStatus: http.StatusUnprocessableEntity}
	}
	if quantity == 0 {
		if exceptionType != "" {
			return Failure{Code: CodeValidation, Detail: "exception_type requires exception_qty", HTTPStatus: http.StatusUnprocessableEntity}
		}
		return nil
	}
	switch exceptionType {
	case api.ExceptionNotFound, api.ExceptionDamaged, api.ExceptionExpired:
		return nil
	case "":
		return Failure{Code: CodeValidation, Detail: "exception_qty requires exception_type", HTTPStatus: http.StatusUnprocessableEntity}
	default:
		return Failure{Code: CodeValidation, Detail: fmt.Sprintf("unknown exception_type %q", exceptionType), HTTPStatus: http.StatusUnprocessableEntity}
	}
}

// exceptionAuthorized reports whether the given exception is already stamped;
// unknown exceptions count as authorized so a dangling reference on the item
// is replaced rather than resurrected.
func (s *Service) exceptionAuthorized(ctx context.Context, orderID, exceptionID string) bool {
	list, _, err := s.store.LoadExceptions(ctx, orderID)
	if err != nil {
		return false
	}
	for _, exc := range list {
		if exc.ExceptionID == exceptionID {
			return exc.AuthorizedByUserID != ""
		}
	}
	return true
}

// upsertException appends or replaces the exception in the order's document
// under its own CAS loop.
func (s *Service) upsertException(ctx context.Context, orderID string, exc storage.Exception, create bool) error {
	for {
		list, etag, err := s.store.LoadExceptions(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load exceptions: %w", err)
		}
		replaced := false
		if !create {
			for i := range list {
				if list[i].ExceptionID == exc.ExceptionID {
					if list[i].AuthorizedByUserID != "" {
						// Authorized exceptions are terminal.
						return nil
					}
					exc.CreatedAtUnix = list[i].CreatedAtUnix
					list[i] = exc
					replaced = true
					break
				}
			}
		}
		if !replaced {
			list = append(list, exc)
		}
		if _, err := s.store.StoreExceptions(ctx, orderID, list, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return fmt.Errorf("store exceptions: %w", err)
		}
		return nil
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/auth"
	"pkt.systems/pickd/internal/storage"
)

// AuthorizeExceptions is the four-eyes gate: a supervisor or administrator
// credential stamps the named exceptions and unblocks the owning orders. The
// reporting operator's own session never counts; the credential is validated
// fresh on every call. Already authorized exceptions are accepted again so
// a retried request stays idempotent.
func (s *Service) AuthorizeExceptions(ctx context.Context, cmd AuthorizeCommand) (*AuthorizeResult, error) {
	logger := s.requestLogger(ctx)
	if len(cmd.ExceptionIDs) == 0 {
		return nil, Failure{Code: CodeValidation, Detail: "exception_ids is required", HTTPStatus: http.StatusBadRequest}
	}
	if strings.TrimSpace(cmd.Username) == "" || cmd.Password == "" {
		return nil, Failure{Code: CodeUnauthorized, Detail: "credentials required", HTTPStatus: http.StatusUnauthorized}
	}

	identity, err := s.auth.Validate(ctx, cmd.Username, cmd.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		logger.Info("exception.authorize.rejected", "username", cmd.Username, "reason", "invalid_credentials")
		return nil, Failure{Code: CodeUnauthorized, Detail: "invalid credentials", HTTPStatus: http.StatusUnauthorized}
	}
	if err != nil {
		return nil, fmt.Errorf("validate credentials: %w", err)
	}
	if !identity.Supervisor() {
		logger.Info("exception.authorize.rejected", "username", cmd.Username, "role", identity.Role, "reason", "insufficient_role")
		return nil, Failure{Code: CodeForbidden, Detail: fmt.Sprintf("role %q may not authorize exceptions", identity.Role), HTTPStatus: http.StatusForbidden}
	}

	remaining := make(map[string]struct{}, len(cmd.ExceptionIDs))
	for _, id := range cmd.ExceptionIDs {
		remaining[id] = struct{}{}
	}

	orders, err := s.store.ListExceptionOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exception orders: %w", err)
	}
	for _, orderID := range orders {
		if len(remaining) == 0 {
			break
		}
		stamped, err := s.stampOrderExceptions(ctx, orderID, remaining, identity)
		if err != nil {
			return nil, err
		}
		if stamped > 0 {
			s.publish(api.EventExceptionCreated, map[string]any{
				"order_id":      orderID,
				"authorized_by": identity.Name,
				"authorized":    true,
			})
		}
	}

	if len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for id := range remaining {
			missing = append(missing, id)
		}
		return nil, Failure{Code: CodeUnknownException, Detail: fmt.Sprintf("unknown exception ids: %s", strings.Join(missing, ", ")), HTTPStatus: http.StatusNotFound}
	}

	logger.Info("exception.authorize.success",
		"authorized_by", identity.UserID,
		"exceptions", len(cmd.ExceptionIDs),
	)
	return &AuthorizeResult{
		AuthorizedBy: identity.Name,
		ExceptionIDs: cmd.ExceptionIDs,
	}, nil
}

// stampOrderExceptions authorizes every targeted exception found in one
// order's document, removing hits from remaining. Runs its own CAS loop.
func (s *Service) stampOrderExceptions(ctx context.Context, orderID string, remaining map[string]struct{}, identity auth.Identity) (int, error) {
	for {
		list, etag, err := s.store.LoadExceptions(ctx, orderID)
		if err != nil {
			return 0, fmt.Errorf("load exceptions: %w", err)
		}
		now := s.clock.Now()
		stamped := 0
		found := make([]string, 0, len(remaining))
		for i := range list {
			if _, ok := remaining[list[i].ExceptionID]; !ok {
				continue
			}
			found = append(found, list[i].ExceptionID)
			if list[i].AuthorizedByUserID != "" {
				// Terminal; a retried authorize is a no-op success.
				continue
			}
			list[i].AuthorizedByUserID = identity.UserID
			list[i].AuthorizedByName = identity.Name
			list[i].AuthorizedAtUnix = now.Unix()
			stamped++
		}
		if len(found) == 0 {
			return 0, nil
		}
		if stamped > 0 {
			if _, err := s.store.StoreExceptions(ctx, orderID, list, etag); err != nil {
				if errors.Is(err, storage.ErrCASMismatch) {
					continue
				}
				return 0, fmt.Errorf("store exceptions: %w", err)
			}
		}
		for _, id := range found {
			delete(remaining, id)
		}
		return stamped, nil
	}
}

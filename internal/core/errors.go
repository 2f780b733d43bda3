package core

import (
	"fmt"

	"pkt.systems/pickd/api"
)

// Failure captures transport-neutral error details that adapters map to HTTP
// status codes and error bodies.
type Failure struct {
	Code         string
	Detail       string
	HolderUserID string // set on lock_conflict so the caller can name the holder
	RetryAfter   int64  // seconds
	HTTPStatus   int    // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Failure codes returned by the service. The sweep/release overlap is
// deliberately absent: whichever deletion wins the CAS makes the loser a
// silent no-op, never an error.
const (
	CodeValidation        = api.ErrCodeValidation
	CodeUnknownSection    = api.ErrCodeUnknownSection
	CodeUnknownItem       = api.ErrCodeUnknownItem
	CodeUnknownException  = api.ErrCodeUnknownException
	CodeLockConflict      = api.ErrCodeLockConflict
	CodeSessionExpired    = api.ErrCodeSessionExpired
	CodeSectionFinished   = api.ErrCodeSectionFinished
	CodeSectionIncomplete = api.ErrCodeSectionIncomplete
	CodeOrderBlocked      = api.ErrCodeOrderBlocked
	CodeUnauthorized      = api.ErrCodeUnauthorized
	CodeForbidden         = api.ErrCodeForbidden
)

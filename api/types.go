// Package api defines the wire-level types exchanged between pickd servers,
// handheld devices, and real-time observers.
package api

// Event types published by the broadcaster. Observers must treat every event
// as a hint to re-fetch authoritative state; events carry identifiers, never
// the state itself, and are not replayed for late subscribers.
const (
	EventLockAcquired     = "lock_acquired"
	EventLockReleased     = "lock_released"
	EventPickingUpdate    = "picking_update"
	EventPickingFinished  = "picking_finished"
	EventExceptionCreated = "exception_created"
)

// Reasons carried in lock_released event payloads.
const (
	ReleaseReasonReleased = "released"
	ReleaseReasonExpired  = "expired"
	ReleaseReasonFinished = "finished"
)

// Exception types a device may report during a pick.
const (
	ExceptionNotFound = "not_found"
	ExceptionDamaged  = "damaged"
	ExceptionExpired  = "expired"
)

// Wire-level error codes carried in ErrorResponse.Error.
const (
	ErrCodeValidation        = "validation"
	ErrCodeUnknownSection    = "unknown_section"
	ErrCodeUnknownItem       = "unknown_item"
	ErrCodeUnknownException  = "unknown_exception"
	ErrCodeLockConflict      = "lock_conflict"
	ErrCodeSessionExpired    = "session_expired"
	ErrCodeSectionFinished   = "section_finished"
	ErrCodeSectionIncomplete = "section_incomplete"
	ErrCodeOrderBlocked      = "order_blocked"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeForbidden         = "forbidden"
	ErrCodeInternal          = "internal_error"
)

// Authoritative item statuses.
const (
	ItemStatusPending = "pending"
	ItemStatusPicked  = "picked"
	ItemStatusChecked = "checked"
)

// Event is the ephemeral broadcast envelope. ID is a sortable xid assigned at
// publish time; it is not a sequence number and must not be used for ordering.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Item is the authoritative view of one order line within a section.
type Item struct {
	ItemID        string `json:"item_id"`
	ProductRef    string `json:"product_ref"`
	RequestedQty  int64  `json:"requested_qty"`
	PickedQty     int64  `json:"picked_qty"`
	Status        string `json:"status"`
	ExceptionID   string `json:"exception_id,omitempty"`
	ExceptionQty  int64  `json:"exception_qty,omitempty"`
	ExceptionType string `json:"exception_type,omitempty"`
}

// Exception is a reported discrepancy awaiting (or stamped with) supervisor
// authorization. AuthorizedByUserID empty means the owning order is blocked.
type Exception struct {
	ExceptionID        string `json:"exception_id"`
	OrderID            string `json:"order_id"`
	SectionID          string `json:"section_id"`
	ItemID             string `json:"item_id"`
	Quantity           int64  `json:"quantity"`
	Type               string `json:"type"`
	Observation        string `json:"observation,omitempty"`
	ReportedByUserID   string `json:"reported_by_user_id"`
	AuthorizedByUserID string `json:"authorized_by_user_id,omitempty"`
	AuthorizedByName   string `json:"authorized_by_name,omitempty"`
	CreatedAt          int64  `json:"created_at"`
	AuthorizedAt       int64  `json:"authorized_at,omitempty"`
}

// AcquireRequest asks for exclusive custody of one (order, section) pair.
type AcquireRequest struct {
	OrderID   string `json:"order_id"`
	SectionID string `json:"section_id"`
	UserID    string `json:"user_id"`
}

// AcquireResponse returns the session token together with the authoritative
// item set so the device can seed its offline replica in one round trip.
type AcquireResponse struct {
	SessionID string `json:"session_id"`
	OrderID   string `json:"order_id"`
	SectionID string `json:"section_id"`
	ExpiresAt int64  `json:"expires_at"`
	Items     []Item `json:"items"`
}

// RenewRequest refreshes the lease heartbeat for an active session.
type RenewRequest struct {
	OrderID   string `json:"order_id"`
	SectionID string `json:"section_id"`
	SessionID string `json:"session_id"`
}

// RenewResponse reports the new lease expiry.
type RenewResponse struct {
	ExpiresAt int64 `json:"expires_at"`
}

// ReleaseRequest relinquishes custody. SessionID must match the current
// holder; a stale token never releases someone else's lease.
type ReleaseRequest struct {
	OrderID   string `json:"order_id"`
	SectionID string `json:"section_id"`
	SessionID string `json:"session_id"`
}

// ReleaseResponse confirms the release.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// SubmitPickRequest flushes one locally recorded pick to the server. The
// optional exception fields flag a discrepancy on the same item.
type SubmitPickRequest struct {
	SessionID     string `json:"session_id"`
	OrderID       string `json:"order_id"`
	SectionID     string `json:"section_id"`
	ItemID        string `json:"item_id"`
	PickedQty     int64  `json:"picked_qty"`
	ExceptionQty  int64  `json:"exception_qty,omitempty"`
	ExceptionType string `json:"exception_type,omitempty"`
	Observation   string `json:"observation,omitempty"`
}

// SubmitPickResponse returns the item's authoritative state after the server
// accepted the pick.
type SubmitPickResponse struct {
	Item Item `json:"item"`
}

// FinishRequest completes a section. It fails while items remain pending or
// an unauthorized exception blocks the owning order.
type FinishRequest struct {
	SessionID string `json:"session_id"`
	OrderID   string `json:"order_id"`
	SectionID string `json:"section_id"`
}

// FinishResponse confirms completion; the lease is released as part of it.
type FinishResponse struct {
	Finished bool `json:"finished"`
}

// AuthorizeRequest carries the second credential for the four-eyes exception
// gate. The reporting operator's own session is never sufficient.
type AuthorizeRequest struct {
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	ExceptionIDs []string `json:"exception_ids"`
}

// AuthorizeResponse names the supervisor who authorized the exceptions.
type AuthorizeResponse struct {
	AuthorizedBy string   `json:"authorized_by"`
	ExceptionIDs []string `json:"exception_ids"`
}

// SectionItemsResponse is the observer re-fetch surface for one section.
type SectionItemsResponse struct {
	OrderID      string `json:"order_id"`
	SectionID    string `json:"section_id"`
	Finished     bool   `json:"finished"`
	Held         bool   `json:"held"`
	HolderUserID string `json:"holder_user_id,omitempty"`
	Items        []Item `json:"items"`
}

// OrderExceptionsResponse lists every exception reported against an order.
type OrderExceptionsResponse struct {
	OrderID    string      `json:"order_id"`
	Blocked    bool        `json:"blocked"`
	Exceptions []Exception `json:"exceptions"`
}

// ErrorResponse is the uniform error body. HolderUserID is set on
// lock_conflict so a blocked device can tell the operator who has the
// section.
type ErrorResponse struct {
	Error        string `json:"error"`
	Detail       string `json:"detail,omitempty"`
	HolderUserID string `json:"holder_user_id,omitempty"`
	RetryAfter   int64  `json:"retry_after,omitempty"`
}

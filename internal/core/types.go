package core

import "pkt.systems/pickd/internal/storage"

// AcquireCommand requests exclusive custody of one (order, section) pair.
type AcquireCommand struct {
	OrderID   string
	SectionID string
	UserID    string
}

// AcquireResult carries the fresh session token, lease expiry, and the
// authoritative item snapshot used to seed the device replica.
type AcquireResult struct {
	SessionID string
	OrderID   string
	SectionID string
	ExpiresAt int64
	Items     []storage.Item
}

// RenewCommand refreshes the lease heartbeat for an active session.
type RenewCommand struct {
	OrderID   string
	SectionID string
	SessionID string
}

// RenewResult reports the refreshed lease expiry.
type RenewResult struct {
	ExpiresAt int64
}

// ReleaseCommand relinquishes custody when SessionID matches the holder.
type ReleaseCommand struct {
	OrderID   string
	SectionID string
	SessionID string
}

// ReleaseResult confirms the release.
type ReleaseResult struct {
	Released bool
}

// SubmitPickCommand records one pick (and optionally a discrepancy) against
// the authoritative item state.
type SubmitPickCommand struct {
	SessionID     string
	OrderID       string
	SectionID     string
	ItemID        string
	PickedQty     int64
	ExceptionQty  int64
	ExceptionType string
	Observation   string
}

// SubmitPickResult returns the item's authoritative state after acceptance.
type SubmitPickResult struct {
	Item storage.Item
}

// FinishCommand completes a section and releases its lease.
type FinishCommand struct {
	SessionID string
	OrderID   string
	SectionID string
}

// FinishResult confirms completion.
type FinishResult struct {
	Finished bool
}

// AuthorizeCommand carries the supervisor credential for the exception gate.
type AuthorizeCommand struct {
	Username     string
	Password     string
	ExceptionIDs []string
}

// AuthorizeResult names who authorized the exceptions.
type AuthorizeResult struct {
	AuthorizedBy string
	ExceptionIDs []string
}

// SectionView is the observer re-fetch surface for one section.
type SectionView struct {
	OrderID      string
	SectionID    string
	Finished     bool
	Held         bool
	HolderUserID string
	Items        []storage.Item
}

// OrderExceptionsView lists an order's exceptions and whether any of them
// still blocks the order.
type OrderExceptionsView struct {
	OrderID    string
	Blocked    bool
	Exceptions []storage.Exception
}

// Package storage defines the transactional backend contract for the lease
// store and authoritative picking state. Every mutation loads a document,
// mutates it, and stores it back under a compare-and-swap etag; the CAS etag
// is what makes concurrent acquires safe without a process-wide lock table.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound signals the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch signals the record changed since the caller loaded it.
	ErrCASMismatch = errors.New("storage: etag mismatch")
)

// Lease records exclusive custody of one (order, section) pair. At most one
// non-expired lease exists per section record; the record-level CAS enforces
// it at acquisition.
type Lease struct {
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	AcquiredAtUnix    int64  `json:"acquired_at_unix"`
	LastHeartbeatUnix int64  `json:"last_heartbeat_unix"`
	ExpiresAtUnix     int64  `json:"expires_at_unix"`
}

// Item is the authoritative order line state inside a section record.
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

// SectionRecord is the unit of storage and of mutual exclusion: the lease
// rides in the same document as the item state it guards, so acquire, renew,
// release, pick, and sweep are all single-document CAS writes.
type SectionRecord struct {
	OrderID       string `json:"order_id"`
	SectionID     string `json:"section_id"`
	Lease         *Lease `json:"lease,omitempty"`
	Items         []Item `json:"items"`
	Finished      bool   `json:"finished"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// Exception is a reported discrepancy persisted per owning order.
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
	CreatedAtUnix      int64  `json:"created_at_unix"`
	AuthorizedAtUnix   int64  `json:"authorized_at_unix,omitempty"`
}

// SectionKey identifies one section record.
type SectionKey struct {
	OrderID   string
	SectionID string
}

// Backend is the transactional store behind the lock manager. Implementations
// must provide atomic compare-and-swap semantics on the supplied etag and
// return deep copies so callers can mutate freely.
type Backend interface {
	// LoadSection returns the record and its current etag, or ErrNotFound.
	LoadSection(ctx context.Context, orderID, sectionID string) (*SectionRecord, string, error)
	// StoreSection writes the record when etag still matches the stored
	// version (empty etag means create-only) and returns the new etag.
	StoreSection(ctx context.Context, rec *SectionRecord, etag string) (string, error)
	// ListSections enumerates every stored section key; the sweeper walks it.
	ListSections(ctx context.Context) ([]SectionKey, error)
	// LoadExceptions returns the exception list for an order with its etag.
	// A missing document is an empty list with an empty etag, not an error.
	LoadExceptions(ctx context.Context, orderID string) ([]Exception, string, error)
	// StoreExceptions writes the order's exception list under CAS.
	StoreExceptions(ctx context.Context, orderID string, list []Exception, etag string) (string, error)
	// ListExceptionOrders enumerates orders that have exception documents.
	ListExceptionOrders(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// Package replica is the device-local offline picking replica: a mirror of
// one section's item set, owned exclusively by the device holding the lease.
// Local picks are written to durable storage before any network call so an
// app restart or a dropped connection never loses a pick. Nothing in the
// replica outlives its session.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pickd/api"
)

// Per-item local statuses. The only device-side transitions are
// pending -> picked (local pick) and picked -> synced (server accepted);
// synced never reverts without server confirmation.
const (
	StatusPending = "pending"
	StatusPicked  = "picked"
	StatusSynced  = "synced"
)

// Errors surfaced by replica operations.
var (
	// ErrUnknownItem signals the item was never seeded into this session.
	ErrUnknownItem = errors.New("replica: unknown item")
	// ErrAlreadySynced signals a local edit on an item the server already
	// accepted; the device must not revert synced state on its own.
	ErrAlreadySynced = errors.New("replica: item already synced")
)

// Item is the device-local view of one order line.
type Item struct {
	ItemID         string `json:"item_id"`
	ProductRef     string `json:"product_ref"`
	RequestedQty   int64  `json:"requested_qty"`
	PickedQtyLocal int64  `json:"picked_qty_local"`
	StatusLocal    string `json:"status_local"`
	ExceptionQty   int64  `json:"exception_qty,omitempty"`
	ExceptionType  string `json:"exception_type,omitempty"`
	Observation    string `json:"observation,omitempty"`
	UpdatedAtUnix  int64  `json:"updated_at_unix"`
}

// LocalPick is one pick action as entered on the device.
type LocalPick struct {
	Qty           int64
	ExceptionQty  int64
	ExceptionType string
	Observation   string
}

// LastLocalWriteWins is the replica's named conflict-resolution policy: a
// repeat edit before sync replaces the previous quantity, it does not
// accumulate. Safe because the section lease guarantees a single writer.
func LastLocalWriteWins(current Item, pick LocalPick, nowUnix int64) Item {
	current.PickedQtyLocal = pick.Qty
	current.ExceptionQty = pick.ExceptionQty
	current.ExceptionType = pick.ExceptionType
	current.Observation = pick.Observation
	current.StatusLocal = StatusPicked
	current.UpdatedAtUnix = nowUnix
	return current
}

// Replica binds a session to its slice of the device-local store.
type Replica struct {
	store     Store
	sessionID string
	now       func() time.Time
}

// Open binds sessionID's keyspace in store. now may be nil.
func Open(store Store, sessionID string, now func() time.Time) *Replica {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Replica{store: store, sessionID: sessionID, now: now}
}

func (r *Replica) prefix() string {
	return "session/" + r.sessionID + "/items/"
}

func (r *Replica) itemKey(itemID string) string {
	return r.prefix() + itemID
}

// Seed caches the authoritative item set at session start. StatusLocal is
/// derived from the authoritative status: already picked or checked items
// start synced, everything else pending.
func (r *Replica) Seed(items []api.Item) error {
	for _, item := range items {
		local := Item{
			ItemID:         item.ItemID,
			ProductRef:     item.ProductRef,
			RequestedQty:   item.RequestedQty,
			PickedQtyLocal: item.PickedQty,
			StatusLocal:    seedStatus(item.Status),
			ExceptionQty:   item.ExceptionQty,
			ExceptionType:  item.ExceptionType,
			UpdatedAtUnix:  r.now().Unix(),
		}
		if err := r.put(local); err != nil {
			return err
		}
	}
	return nil
}

func seedStatus(authoritative string) string {
	switch authoritative {
	case api.ItemStatusPicked, api.ItemStatusChecked:
		return StatusSynced
	default:
		return StatusPending
	}
}

// RecordPick applies a local pick and persists it before returning, so the
// caller may only contact the network after the pick is safe on device
// storage. Editing an item the server already accepted is refused.
func (r *Replica) RecordPick(itemID string, pick LocalPick) (Item, error) {
	current, ok, err := r.Item(itemID)
	if err != nil {
		return Item{}, err
	}
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if current.StatusLocal == StatusSynced {
		return Item{}, fmt.Errorf("%w: %s", ErrAlreadySynced, itemID)
	}
	updated := LastLocalWriteWins(current, pick, r.now().Unix())
	if err := r.put(updated); err != nil {
		return Item{}, err
	}
	return updated, nil
}

// MarkSynced records that the server accepted the item, adopting the
// authoritative state it returned.
func (r *Replica) MarkSynced(authoritative api.Item) error {
	current, ok, err := r.Item(authoritative.ItemID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, authoritative.ItemID)
	}
	current.ProductRef = authoritative.ProductRef
	current.RequestedQty = authoritative.RequestedQty
	current.PickedQtyLocal = authoritative.PickedQty
	current.ExceptionQty = authoritative.ExceptionQty
	current.ExceptionType = authoritative.ExceptionType
	current.StatusLocal = StatusSynced
	current.UpdatedAtUnix = r.now().Unix()
	return r.put(current)
}

// ApplyAuthoritative reconciles a server-pushed value (for example after the
// server resolved a conflict): the local item is overwritten and StatusLocal
// reset from the authoritative status.
func (r *Replica) ApplyAuthoritative(item api.Item) error {
	local := Item{
		ItemID:         item.ItemID,
		ProductRef:     item.ProductRef,
		RequestedQty:   item.RequestedQty,
		PickedQtyLocal: item.PickedQty,
		StatusLocal:    seedStatus(item.Status),
		ExceptionQty:   item.ExceptionQty,
		ExceptionType:  item.ExceptionType,
		UpdatedAtUnix:  r.now().Unix(),
	}
	return r.put(local)
}

// Item loads one local item.
func (r *Replica) Item(itemID string) (Item, bool, error) {
	payload, ok, err := r.store.Get(r.itemKey(itemID))
	if err != nil || !ok {
		return Item{}, ok, err
	}
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return Item{}, false, fmt.Errorf("replica: decode %s: %w", itemID, err)
	}
	return item, true, nil
}

// Items returns every local item sorted by item id.
func (r *Replica) Items() ([]Item, error) {
	keys, err := r.store.List(r.prefix())
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		itemID := strings.TrimPrefix(key, r.prefix())
		item, ok, err := r.Item(itemID)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items, nil
}

// PendingSync returns the items picked locally but not yet accepted by the
// server, in stable order.
func (r *Replica) PendingSync() ([]Item, error) {
	items, err := r.Items()
	if err != nil {
		return nil, err
	}
	pending := items[:0]
	for _, item := range items {
		if item.StatusLocal == StatusPicked {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

// Discard wipes the session's keyspace; called on clean session teardown.
func (r *Replica) Discard() error {
	keys, err := r.store.List(r.prefix())
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) put(item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("replica: encode %s: %w", item.ItemID, err)
	}
	return r.store.Put(r.itemKey(item.ItemID), payload)
}

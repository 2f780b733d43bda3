package disk

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pickd/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleRecord() *storage.SectionRecord {
	return &storage.SectionRecord{
		OrderID:   "1001",
		SectionID: "Corredor A/3",
		Lease: &storage.Lease{
			SessionID:     "sess-1",
			UserID:        "op-1",
			ExpiresAtUnix: 1_700_000_030,
		},
		Items: []storage.Item{
			{ItemID: "I1", ProductRef: "SKU-1", RequestedQty: 5, Status: "pending"},
		},
	}
}

func TestSectionRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	etag, err := store.StoreSection(ctx, sampleRecord(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, loadedETag, err := store.LoadSection(ctx, "1001", "Corredor A/3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loadedETag != etag {
		t.Fatalf("etag mismatch: stored %q loaded %q", etag, loadedETag)
	}
	if rec.Lease == nil || rec.Lease.SessionID != "sess-1" || len(rec.Items) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestReopenFindsDocuments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := first.StoreSection(ctx, sampleRecord(), ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, _, err := second.LoadSection(ctx, "1001", "Corredor A/3")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if rec.Lease.UserID != "op-1" {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	keys, err := second.ListSections(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].SectionID != "Corredor A/3" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestStaleETagLosesRace(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	etag, err := store.StoreSection(ctx, sampleRecord(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	winner := sampleRecord()
	winner.Lease.SessionID = "sess-2"
	if _, err := store.StoreSection(ctx, winner, etag); err != nil {
		t.Fatalf("winner store: %v", err)
	}
	loser := sampleRecord()
	loser.Lease.SessionID = "sess-3"
	if _, err := store.StoreSection(ctx, loser, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag to lose, got %v", err)
	}
}

func TestCreateOnlyETag(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.StoreSection(ctx, sampleRecord(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.StoreSection(ctx, sampleRecord(), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
}

func TestLoadMissingSection(t *testing.T) {
	store := newStore(t)
	if _, _, err := store.LoadSection(context.Background(), "nope", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExceptionsRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	list, etag, err := store.LoadExceptions(ctx, "1001")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(list) != 0 || etag != "" {
		t.Fatalf("expected empty list and etag, got %v %q", list, etag)
	}

	exc := storage.Exception{ExceptionID: "exc-1", OrderID: "1001", ItemID: "I1", Quantity: 2, Type: "damaged"}
	etag, err = store.StoreExceptions(ctx, "1001", []storage.Exception{exc}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.StoreExceptions(ctx, "1001", nil, "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	exc.AuthorizedByUserID = "sup-1"
	if _, err := store.StoreExceptions(ctx, "1001", []storage.Exception{exc}, etag); err != nil {
		t.Fatalf("update: %v", err)
	}

	list, _, err = store.LoadExceptions(ctx, "1001")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(list) != 1 || list[0].AuthorizedByUserID != "sup-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
	orders, err := store.ListExceptionOrders(ctx)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0] != "1001" {
		t.Fatalf("unexpected orders: %v", orders)
	}
}

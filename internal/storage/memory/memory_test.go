package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pickd/internal/storage"
)

func sampleRecord() *storage.SectionRecord {
	return &storage.SectionRecord{
		OrderID:   "1001",
		SectionID: "produce",
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
	store := New()
	ctx := context.Background()

	etag, err := store.StoreSection(ctx, sampleRecord(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, loadedETag, err := store.LoadSection(ctx, "1001", "produce")
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

func TestLoadMissingSection(t *testing.T) {
	store := New()
	if _, _, err := store.LoadSection(context.Background(), "nope", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOnlyETag(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.StoreSection(ctx, sampleRecord(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	// A second create must lose: the record now exists under a newer etag.
	if _, err := store.StoreSection(ctx, sampleRecord(), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	// And updating a missing record with a non-empty etag must lose too.
	other := sampleRecord()
	other.SectionID = "dairy"
	if _, err := store.StoreSection(ctx, other, "v99"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for missing record, got %v", err)
	}
}

func TestStaleETagLosesRace(t *testing.T) {
	store := New()
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
	rec, _, err := store.LoadSection(ctx, "1001", "produce")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Lease.SessionID != "sess-2" {
		t.Fatalf("expected winner's lease, got %q", rec.Lease.SessionID)
	}
}

func TestLoadReturnsIsolatedCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.StoreSection(ctx, sampleRecord(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, etag, err := store.LoadSection(ctx, "1001", "produce")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first.Lease.SessionID = "mutated"
	first.Items[0].PickedQty = 99

	second, secondETag, err := store.LoadSection(ctx, "1001", "produce")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if secondETag != etag {
		t.Fatalf("etag changed without a store: %q vs %q", etag, secondETag)
	}
	if second.Lease.SessionID != "sess-1" || second.Items[0].PickedQty != 0 {
		t.Fatalf("caller mutation leaked into the store: %+v", second)
	}
}

func TestListSectionsSorted(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, pair := range [][2]string{{"1002", "dairy"}, {"1001", "produce"}, {"1001", "dairy"}} {
		rec := sampleRecord()
		rec.OrderID, rec.SectionID = pair[0], pair[1]
		if _, err := store.StoreSection(ctx, rec, ""); err != nil {
			t.Fatalf("store %v: %v", pair, err)
		}
	}
	keys, err := store.ListSections(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []storage.SectionKey{
		{OrderID: "1001", SectionID: "dairy"},
		{OrderID: "1001", SectionID: "produce"},
		{OrderID: "1002", SectionID: "dairy"},
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: expected %v, got %v", i, want[i], keys[i])
		}
	}
}

func TestExceptionsMissingIsEmpty(t *testing.T) {
	store := New()
	list, etag, err := store.LoadExceptions(context.Background(), "1001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(list) != 0 || etag != "" {
		t.Fatalf("expected empty list and etag, got %v %q", list, etag)
	}
}

func TestExceptionsCAS(t *testing.T) {
	store := New()
	ctx := context.Background()

	exc := storage.Exception{ExceptionID: "exc-1", OrderID: "1001", ItemID: "I1", Quantity: 2, Type: "not_found"}
	etag, err := store.StoreExceptions(ctx, "1001", []storage.Exception{exc}, "")
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
	list, _, err := store.LoadExceptions(ctx, "1001")
	if err != nil {
		t.Fatalf("load: %v", err)
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

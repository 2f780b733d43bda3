package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAcquireGrantsLeaseAndSeedsItems(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.SessionID == "" {
		t.Fatalf("expected a session id")
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 seeded items, got %d", len(res.Items))
	}
	wantExpiry := fx.clk.Now().Add(testTTL).Unix()
	if res.ExpiresAt != wantExpiry {
		t.Fatalf("expected expiry %d, got %d", wantExpiry, res.ExpiresAt)
	}
}

func TestAcquireConflictNamesHolder(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-2"})
	failure := mustFailure(t, err, CodeLockConflict)
	if failure.HolderUserID != "op-1" {
		t.Fatalf("expected holder op-1, got %q", failure.HolderUserID)
	}
	if failure.RetryAfter < 1 {
		t.Fatalf("expected a retry hint, got %d", failure.RetryAfter)
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	const racers = 16
	start := make(chan struct{})
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := fx.svc.Acquire(ctx, AcquireCommand{
				OrderID:   "1001",
				SectionID: "produce",
				UserID:    fmt.Sprintf("op-%d", i),
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	granted := 0
	for err := range errs {
		if err == nil {
			granted++
			continue
		}
		mustFailure(t, err, CodeLockConflict)
	}
	if granted != 1 {
		t.Fatalf("expected exactly one granted lease, got %d", granted)
	}

	view, err := fx.svc.SectionItems(ctx, "1001", "produce")
	if err != nil {
		t.Fatalf("section items: %v", err)
	}
	if !view.Held {
		t.Fatalf("expected the section held after the race")
	}
}

func TestAcquireDistinctSectionsDoNotConflict(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"}); err != nil {
		t.Fatalf("acquire produce: %v", err)
	}
	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "dairy", UserID: "op-2"}); err != nil {
		t.Fatalf("acquire dairy: %v", err)
	}
}

func TestAcquireUnknownSection(t *testing.T) {
	fx := newTestFixture(t)
	_, err := fx.svc.Acquire(context.Background(), AcquireCommand{OrderID: "1001", SectionID: "frozen", UserID: "op-1"})
	mustFailure(t, err, CodeUnknownSection)
}

func TestAcquireAfterExpiryReclaimsLease(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	fx.clk.Advance(testTTL + time.Second)

	second, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-2"})
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected a fresh session id")
	}

	// The dead session must not be able to act anymore.
	_, err = fx.svc.Renew(ctx, RenewCommand{OrderID: "1001", SectionID: "produce", SessionID: first.SessionID})
	mustFailure(t, err, CodeSessionExpired)
}

func TestRenewExtendsLeaseIndefinitely(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Two renewals carry the lease well past the original TTL.
	for range 2 {
		fx.clk.Advance(20 * time.Second)
		renewed, err := fx.svc.Renew(ctx, RenewCommand{OrderID: "1001", SectionID: "produce", SessionID: res.SessionID})
		if err != nil {
			t.Fatalf("renew: %v", err)
		}
		want := fx.clk.Now().Add(testTTL).Unix()
		if renewed.ExpiresAt != want {
			t.Fatalf("expected expiry %d, got %d", want, renewed.ExpiresAt)
		}
	}
}

func TestRenewAfterExpiryFails(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fx.clk.Advance(testTTL + time.Second)
	_, err = fx.svc.Renew(ctx, RenewCommand{OrderID: "1001", SectionID: "produce", SessionID: res.SessionID})
	mustFailure(t, err, CodeSessionExpired)
}

func TestReleaseRequiresMatchingSession(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := fx.svc.Release(ctx, ReleaseCommand{OrderID: "1001", SectionID: "produce", SessionID: "stale-token"})
	mustFailure(t, err, CodeSessionExpired)

	// The holder's lease must be untouched.
	_, err = fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-2"})
	mustFailure(t, err, CodeLockConflict)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := fx.svc.Release(ctx, ReleaseCommand{OrderID: "1001", SectionID: "produce", SessionID: res.SessionID})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Released {
		t.Fatalf("expected released true")
	}
	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-2"}); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestAcquireValidation(t *testing.T) {
	fx := newTestFixture(t)
	_, err := fx.svc.Acquire(context.Background(), AcquireCommand{OrderID: "1001", SectionID: "produce"})
	mustFailure(t, err, CodeValidation)
}

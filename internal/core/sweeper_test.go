package core

import (
	"context"
	"testing"
	"time"

	"pkt.systems/pickd/api"
)

func TestSweepReclaimsOnlyExpiredLeases(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"}); err != nil {
		t.Fatalf("acquire produce: %v", err)
	}
	fx.clk.Advance(10 * time.Second)
	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "dairy", UserID: "op-2"}); err != nil {
		t.Fatalf("acquire dairy: %v", err)
	}

	// produce is now 35s old (expired), dairy 25s (active).
	fx.clk.Advance(25 * time.Second)
	if err := fx.svc.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-3"}); err != nil {
		t.Fatalf("produce should be reclaimable: %v", err)
	}
	_, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "dairy", UserID: "op-3"})
	mustFailure(t, err, CodeLockConflict)
}

func TestSweepPublishesExpiredRelease(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	sub := fx.events.Subscribe(8)
	defer sub.Close()

	if _, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fx.clk.Advance(testTTL + time.Second)
	if err := fx.svc.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var released *api.Event
	for done := false; !done; {
		select {
		case event := <-sub.Events():
			if event.Type == api.EventLockReleased {
				released = &event
				done = true
			}
		default:
			done = true
		}
	}
	if released == nil {
		t.Fatalf("expected a lock_released event")
	}
	if released.Payload["reason"] != api.ReleaseReasonExpired {
		t.Fatalf("expected reason expired, got %v", released.Payload["reason"])
	}
	if released.Payload["user_id"] != "op-1" {
		t.Fatalf("expected holder op-1, got %v", released.Payload["user_id"])
	}
}

func TestSweepIsNoopForHealthyLeases(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Acquire(ctx, AcquireCommand{OrderID: "1001", SectionID: "produce", UserID: "op-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := fx.svc.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := fx.svc.Renew(ctx, RenewCommand{OrderID: "1001", SectionID: "produce", SessionID: res.SessionID}); err != nil {
		t.Fatalf("lease should survive the sweep: %v", err)
	}
}

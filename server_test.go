package pickd

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/client"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/clock"
)

func seedCatalog(ts *TestServer) {
	ts.Catalog.AddSection("1001", "produce", []catalog.Item{
		{ItemID: "I1", ProductRef: "SKU-1", RequestedQty: 5},
		{ItemID: "I2", ProductRef: "SKU-2", RequestedQty: 3},
	})
	ts.Catalog.AddSection("1001", "dairy", []catalog.Item{
		{ItemID: "I3", ProductRef: "SKU-3", RequestedQty: 2},
	})
}

func TestPickingFlowEndToEnd(t *testing.T) {
	ts := NewTestServer(t)
	seedCatalog(ts)
	ctx := context.Background()

	acquired, err := ts.Client.Acquire(ctx, "1001", "produce", "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired.SessionID == "" || len(acquired.Items) != 2 {
		t.Fatalf("unexpected acquire response: %+v", acquired)
	}

	for _, pick := range []struct {
		itemID string
		qty    int64
	}{{"I1", 5}, {"I2", 3}} {
		resp, err := ts.Client.SubmitPick(ctx, api.SubmitPickRequest{
			SessionID: acquired.SessionID,
			OrderID:   "1001",
			SectionID: "produce",
			ItemID:    pick.itemID,
			PickedQty: pick.qty,
		})
		if err != nil {
			t.Fatalf("submit pick %s: %v", pick.itemID, err)
		}
		if resp.Item.Status != api.ItemStatusPicked {
			t.Fatalf("item %s not picked: %+v", pick.itemID, resp.Item)
		}
	}

	finished, err := ts.Client.FinishSection(ctx, "1001", "produce", acquired.SessionID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !finished.Finished {
		t.Fatalf("expected finished true")
	}

	view, err := ts.Client.SectionItems(ctx, "1001", "produce")
	if err != nil {
		t.Fatalf("section items: %v", err)
	}
	if !view.Finished || view.Held {
		t.Fatalf("expected finished unheld section, got %+v", view)
	}
}

func TestLockConflictOverHTTP(t *testing.T) {
	ts := NewTestServer(t)
	seedCatalog(ts)
	ctx := context.Background()

	if _, err := ts.Client.Acquire(ctx, "1001", "produce", "op-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := ts.Client.Acquire(ctx, "1001", "produce", "op-2")
	if !client.IsCode(err, api.ErrCodeLockConflict) {
		t.Fatalf("expected lock_conflict, got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.HolderUserID != "op-1" || apiErr.RetryAfter < 1 {
		t.Fatalf("unexpected conflict details: %+v", apiErr)
	}
}

func TestExceptionAuthorizationOverHTTP(t *testing.T) {
	ts := NewTestServer(t)
	seedCatalog(ts)
	ctx := context.Background()

	acquired, err := ts.Client.Acquire(ctx, "1001", "dairy", "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := ts.Client.SubmitPick(ctx, api.SubmitPickRequest{
		SessionID:     acquired.SessionID,
		OrderID:       "1001",
		SectionID:     "dairy",
		ItemID:        "I3",
		PickedQty:     1,
		ExceptionQty:  1,
		ExceptionType: api.ExceptionDamaged,
		Observation:   "crushed carton",
	}); err != nil {
		t.Fatalf("submit pick with exception: %v", err)
	}

	_, err = ts.Client.FinishSection(ctx, "1001", "dairy", acquired.SessionID)
	if !client.IsCode(err, api.ErrCodeOrderBlocked) {
		t.Fatalf("expected order_blocked, got %v", err)
	}

	exceptions, err := ts.Client.OrderExceptions(ctx, "1001")
	if err != nil {
		t.Fatalf("order exceptions: %v", err)
	}
	if !exceptions.Blocked || len(exceptions.Exceptions) != 1 {
		t.Fatalf("unexpected exceptions view: %+v", exceptions)
	}

	// The reporting operator's own credential must not open the gate.
	_, err = ts.Client.AuthorizeExceptions(ctx, api.AuthorizeRequest{
		Username:     TestOperatorUsername,
		Password:     TestOperatorPassword,
		ExceptionIDs: []string{exceptions.Exceptions[0].ExceptionID},
	})
	if !client.IsCode(err, api.ErrCodeForbidden) {
		t.Fatalf("expected forbidden for operator credential, got %v", err)
	}

	authorized, err := ts.Client.AuthorizeExceptions(ctx, api.AuthorizeRequest{
		Username:     TestSupervisorUsername,
		Password:     TestSupervisorPassword,
		ExceptionIDs: []string{exceptions.Exceptions[0].ExceptionID},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authorized.AuthorizedBy == "" {
		t.Fatalf("expected the authorizer to be named")
	}

	if _, err := ts.Client.FinishSection(ctx, "1001", "dairy", acquired.SessionID); err != nil {
		t.Fatalf("finish after authorization: %v", err)
	}
}

func TestLeaseExpiryAndSweepOverHTTP(t *testing.T) {
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	ts := NewTestServer(t, WithTestClock(manual))
	seedCatalog(ts)
	ctx := context.Background()

	acquired, err := ts.Client.Acquire(ctx, "1001", "produce", "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	manual.Advance(ts.Config.LeaseTTL + time.Second)
	if err := ts.Server.Service().SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := ts.Client.Acquire(ctx, "1001", "produce", "op-2"); err != nil {
		t.Fatalf("acquire after sweep: %v", err)
	}
	_, err = ts.Client.Renew(ctx, "1001", "produce", acquired.SessionID)
	if !client.IsCode(err, api.ErrCodeSessionExpired) {
		t.Fatalf("expected session_expired for the old session, got %v", err)
	}
}

func TestEventStreamDeliversLockEvents(t *testing.T) {
	ts := NewTestServer(t)
	seedCatalog(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := ts.Client.Events(ctx)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}

	if _, err := ts.Client.Acquire(ctx, "1001", "produce", "op-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before delivering lock_acquired")
			}
			if event.Type != api.EventLockAcquired {
				continue
			}
			if event.Payload["order_id"] != "1001" || event.Payload["section_id"] != "produce" {
				t.Fatalf("unexpected payload: %v", event.Payload)
			}
			return
		case <-ctx.Done():
			t.Fatalf("timed out waiting for lock_acquired")
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := NewTestServer(t)
	resp, err := http.Get(ts.BaseURL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownSectionOverHTTP(t *testing.T) {
	ts := NewTestServer(t)
	seedCatalog(ts)
	_, err := ts.Client.Acquire(context.Background(), "1001", "frozen", "op-1")
	if !client.IsCode(err, api.ErrCodeUnknownSection) {
		t.Fatalf("expected unknown_section, got %v", err)
	}
}

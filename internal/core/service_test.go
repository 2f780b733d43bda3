package core

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/pickd/internal/auth"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/events"
	"pkt.systems/pickd/internal/storage/memory"
)

const (
	testTTL = 30 * time.Second

	testSupervisorUser = "super"
	testSupervisorPass = "super-pw"
	testOperatorUser   = "ana"
	testOperatorPass   = "ana-pw"
)

type testFixture struct {
	svc     *Service
	clk     *clock.Manual
	catalog *catalog.Static
	store   *memory.Store
	events  *events.Broadcaster
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cat := catalog.NewStatic()
	cat.AddSection("1001", "produce", []catalog.Item{
		{ItemID: "I1", ProductRef: "SKU-1", RequestedQty: 5},
		{ItemID: "I2", ProductRef: "SKU-2", RequestedQty: 3},
	})
	cat.AddSection("1001", "dairy", []catalog.Item{
		{ItemID: "I3", ProductRef: "SKU-3", RequestedQty: 2},
	})
	validator := auth.NewStatic(
		auth.Credential{
			Username:       testSupervisorUser,
			UserID:         "sup-1",
			Name:           "Sue Pervisor",
			Role:           auth.RoleSupervisor,
			PasswordSHA256: auth.HashPassword(testSupervisorPass),
		},
		auth.Credential{
			Username:       testOperatorUser,
			UserID:         "op-1",
			Name:           "Ana Operator",
			Role:           "separacao",
			PasswordSHA256: auth.HashPassword(testOperatorPass),
		},
	)
	broadcaster := events.New(nil, clk, nil)
	store := memory.New()
	svc := New(Config{
		Store:    store,
		Catalog:  cat,
		Auth:     validator,
		Events:   broadcaster,
		Clock:    clk,
		LeaseTTL: testTTL,
	})
	return &testFixture{svc: svc, clk: clk, catalog: cat, store: store, events: broadcaster}
}

func mustFailure(t *testing.T, err error, code string) Failure {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil error", code)
	}
	var failure Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected %s failure, got %v", code, err)
	}
	if failure.Code != code {
		t.Fatalf("expected failure code %s, got %s (%s)", code, failure.Code, failure.Detail)
	}
	return failure
}

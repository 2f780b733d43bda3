package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticSectionItems(t *testing.T) {
	cat := NewStatic()
	cat.AddSection("1001", "produce", []Item{
		{ItemID: "I1", ProductRef: "SKU-1", RequestedQty: 5},
	})

	items, err := cat.SectionItems(context.Background(), "1001", "produce")
	if err != nil {
		t.Fatalf("section items: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != "I1" {
		t.Fatalf("unexpected items: %+v", items)
	}

	// Returned slices are copies.
	items[0].RequestedQty = 99
	again, err := cat.SectionItems(context.Background(), "1001", "produce")
	if err != nil {
		t.Fatalf("section items: %v", err)
	}
	if again[0].RequestedQty != 5 {
		t.Fatalf("caller mutation leaked into the catalog: %+v", again)
	}
}

func TestStaticUnknownSection(t *testing.T) {
	cat := NewStatic()
	if _, err := cat.SectionItems(context.Background(), "1001", "frozen"); !errors.Is(err, ErrUnknownSection) {
		t.Fatalf("expected ErrUnknownSection, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.yaml")
	content := `orders:
  - order_id: "1001"
    sections:
      - section_id: produce
        items:
          - {item_id: I1, product_ref: SKU-1, requested_qty: 5}
          - {item_id: I2, product_ref: SKU-2, requested_qty: 3}
      - section_id: dairy
        items:
          - {item_id: I3, product_ref: SKU-3, requested_qty: 2}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	items, err := cat.SectionItems(context.Background(), "1001", "produce")
	if err != nil {
		t.Fatalf("section items: %v", err)
	}
	if len(items) != 2 || items[1].RequestedQty != 3 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestLoadFileRejectsInvalidItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.yaml")
	content := `orders:
  - order_id: "1001"
    sections:
      - section_id: produce
        items:
          - {item_id: I1, requested_qty: 0}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected an error for a zero-quantity item")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

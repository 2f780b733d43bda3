// Package catalog is the order-data collaborator: read-only access to the
// authoritative order and item definitions used to seed picking sessions.
// Production deployments back this with their ERP sync; pickd ships a YAML
// file loader and an in-memory source.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSection signals the catalog has no such (order, section) pair.
var ErrUnknownSection = errors.New("catalog: unknown order section")

// Item is one order line as defined by the order data.
type Item struct {
	ItemID       string `yaml:"item_id"`
	ProductRef   string `yaml:"product_ref"`
	RequestedQty int64  `yaml:"requested_qty"`
}

// Source provides authoritative item definitions per (order, section).
type Source interface {
	SectionItems(ctx context.Context, orderID, sectionID string) ([]Item, error)
}

type sectionKey struct {
	orderID   string
	sectionID string
}

// Static is a map-backed Source.
type Static struct {
	mu       sync.RWMutex
	sections map[sectionKey][]Item
}

// NewStatic returns an empty in-memory source.
func NewStatic() *Static {
	return &Static{sections: make(map[sectionKey][]Item)}
}

// AddSection registers the item set for one (order, section) pair.
func (s *Static) AddSection(orderID, sectionID string, items []Item) {
	s.mu.Lock()
	s.sections[sectionKey{orderID: orderID, sectionID: sectionID}] = append([]Item(nil), items...)
	s.mu.Unlock()
}

// SectionItems returns a copy of the registered item set.
func (s *Static) SectionItems(_ context.Context, orderID, sectionID string) ([]Item, error) {
	s.mu.RLock()
	items, ok := s.sections[sectionKey{orderID: orderID, sectionID: sectionID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSection
	}
	return append([]Item(nil), items...), nil
}

type catalogFile struct {
	Orders []struct {
		OrderID  string `yaml:"order_id"`
		Sections []struct {
			SectionID string `yaml:"section_id"`
			Items     []Item `yaml:"items"`
		} `yaml:"sections"`
	} `yaml:"orders"`
}

// LoadFile reads a YAML order catalog into a Static source.
//
//	orders:
//	  - order_id: "1001"
//	    sections:
//	      - section_id: Produce
//	        items:
//	          - {item_id: I1, product_ref: SKU-1, requested_qty: 5}
func LoadFile(path string) (*Static, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	static := NewStatic()
	for _, order := range file.Orders {
		if order.OrderID == "" {
			return nil, fmt.Errorf("catalog: %s: order without order_id", path)
		}
		for _, section := range order.Sections {
			if section.SectionID == "" {
				return nil, fmt.Errorf("catalog: %s: order %s section without section_id", path, order.OrderID)
			}
			for _, item := range section.Items {
				if item.ItemID == "" || item.RequestedQty <= 0 {
					return nil, fmt.Errorf("catalog: %s: order %s section %s has an invalid item", path, order.OrderID, section.SectionID)
				}
			}
			static.AddSection(order.OrderID, section.SectionID, section.Items)
		}
	}
	return static, nil
}

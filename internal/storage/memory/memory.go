// Package memory implements storage.Backend in process memory; intended for
// tests and single-node development servers.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"pkt.systems/pickd/internal/storage"
)

// Store implements storage.Backend with map-backed documents and
// counter-based etags.
type Store struct {
	mu         sync.RWMutex
	sections   map[storage.SectionKey]*sectionEntry
	exceptions map[string]*exceptionEntry
	revision   uint64
}

type sectionEntry struct {
	rec  *storage.SectionRecord
	etag string
}

type exceptionEntry struct {
	list []storage.Exception
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		sections:   make(map[storage.SectionKey]*sectionEntry),
		exceptions: make(map[string]*exceptionEntry),
	}
}

// Close satisfies storage.Backend but requires no action for memory.
func (s *Store) Close() error { return nil }

func (s *Store) nextETag() string {
	s.revision++
	return "v" + strconv.FormatUint(s.revision, 10)
}

// LoadSection returns a copy of the stored section record.
func (s *Store) LoadSection(_ context.Context, orderID, sectionID string) (*storage.SectionRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sections[storage.SectionKey{OrderID: orderID, SectionID: sectionID}]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return cloneSection(entry.rec), entry.etag, nil
}

// StoreSection writes rec under CAS. An empty etag is create-only.
func (s *Store) StoreSection(_ context.Context, rec *storage.SectionRecord, etag string) (string, error) {
	key := storage.SectionKey{OrderID: rec.OrderID, SectionID: rec.SectionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sections[key]
	switch {
	case !ok && etag != "":
		return "", storage.ErrCASMismatch
	case ok && entry.etag != etag:
		return "", storage.ErrCASMismatch
	}
	newETag := s.nextETag()
	s.sections[key] = &sectionEntry{rec: cloneSection(rec), etag: newETag}
	return newETag, nil
}

// ListSections enumerates stored section keys in stable order.
func (s *Store) ListSections(_ context.Context) ([]storage.SectionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]storage.SectionKey, 0, len(s.sections))
	for key := range s.sections {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrderID != keys[j].OrderID {
			return keys[i].OrderID < keys[j].OrderID
		}
		return keys[i].SectionID < keys[j].SectionID
	})
	return keys, nil
}

// LoadExceptions returns a copy of the order's exception list. Missing
// documents are an empty list with an empty etag.
func (s *Store) LoadExceptions(_ context.Context, orderID string) ([]storage.Exception, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.exceptions[orderID]
	if !ok {
		return nil, "", nil
	}
	return append([]storage.Exception(nil), entry.list...), entry.etag, nil
}

// StoreExceptions writes the order's exception list under CAS.
func (s *Store) StoreExceptions(_ context.Context, orderID string, list []storage.Exception, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.exceptions[orderID]
	switch {
	case !ok && etag != "":
		return "", storage.ErrCASMismatch
	case ok && entry.etag != etag:
		return "", storage.ErrCASMismatch
	}
	newETag := s.nextETag()
	s.exceptions[orderID] = &exceptionEntry{
		list: append([]storage.Exception(nil), list...),
		etag: newETag,
	}
	return newETag, nil
}

// ListExceptionOrders enumerates orders with exception documents.
func (s *Store) ListExceptionOrders(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]string, 0, len(s.exceptions))
	for orderID := range s.exceptions {
		orders = append(orders, orderID)
	}
	sort.Strings(orders)
	return orders, nil
}

func cloneSection(rec *storage.SectionRecord) *storage.SectionRecord {
	clone := *rec
	if rec.Lease != nil {
		leaseCopy := *rec.Lease
		clone.Lease = &leaseCopy
	}
	clone.Items = append([]storage.Item(nil), rec.Items...)
	return &clone
}

// Package disk implements storage.Backend on the local filesystem. Documents
// are JSON files replaced atomically (temp file, fsync, rename) and etags are
// content hashes, so the store survives process restarts without a recovery
// pass. A per-key mutex serializes the compare step with the rename; this is
// sufficient because pickd runs as a single authoritative process.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pickd/internal/storage"
)

const (
	sectionsDir   = "sections"
	exceptionsDir = "exceptions"
	tmpDir        = "tmp"
)

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root  string
	locks sync.Map // path -> *sync.Mutex
}

// New prepares the directory layout under root and returns the store.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	for _, dir := range []string{sectionsDir, exceptionsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) sectionPath(orderID, sectionID string) string {
	name := url.PathEscape(orderID) + "__" + url.PathEscape(sectionID) + ".json"
	return filepath.Join(s.root, sectionsDir, name)
}

func (s *Store) exceptionPath(orderID string) string {
	return filepath.Join(s.root, exceptionsDir, url.PathEscape(orderID)+".json")
}

func (s *Store) pathMutex(path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func etagFor(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

func readDocument(path string, dst any) (string, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("disk: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return "", fmt.Errorf("disk: decode %s: %w", filepath.Base(path), err)
	}
	return etagFor(payload), nil
}

// writeDocument replaces path atomically under CAS on the current content
// hash. Empty etag means create-only.
func (s *Store) writeDocument(path string, doc any, etag string) (string, error) {
	mu := s.pathMutex(path)
	mu.Lock()
	defer mu.Unlock()

	current, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if etag != "" {
			return "", storage.ErrCASMismatch
		}
	case err != nil:
		return "", fmt.Errorf("disk: read %s: %w", filepath.Base(path), err)
	default:
		if etagFor(current) != etag {
			return "", storage.ErrCASMismatch
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("disk: encode %s: %w", filepath.Base(path), err)
	}
	tempFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "pickd-doc-*")
	if err != nil {
		return "", fmt.Errorf("disk: temp file: %w", err)
	}
	tempName := tempFile.Name()
	if _, err := tempFile.Write(payload); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return "", fmt.Errorf("disk: write %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return "", fmt.Errorf("disk: sync %s: %w", filepath.Base(path), err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return "", fmt.Errorf("disk: close temp: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return "", fmt.Errorf("disk: replace %s: %w", filepath.Base(path), err)
	}
	return etagFor(payload), nil
}

// LoadSection reads the section document, or ErrNotFound.
func (s *Store) LoadSection(_ context.Context, orderID, sectionID string) (*storage.SectionRecord, string, error) {
	var rec storage.SectionRecord
	etag, err := readDocument(s.sectionPath(orderID, sectionID), &rec)
	if err != nil {
		return nil, "", err
	}
	return &rec, etag, nil
}

// StoreSection writes the section document under CAS.
func (s *Store) StoreSection(_ context.Context, rec *storage.SectionRecord, etag string) (string, error) {
	return s.writeDocument(s.sectionPath(rec.OrderID, rec.SectionID), rec, etag)
}

// ListSections enumerates stored section keys.
func (s *Store) ListSections(_ context.Context) ([]storage.SectionKey, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sectionsDir))
	if err != nil {
		return nil, fmt.Errorf("disk: list sections: %w", err)
	}
	var keys []storage.SectionKey
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		orderPart, sectionPart, ok := strings.Cut(name, "__")
		if !ok {
			continue
		}
		orderID, err1 := url.PathUnescape(orderPart)
		sectionID, err2 := url.PathUnescape(sectionPart)
		if err1 != nil || err2 != nil {
			continue
		}
		keys = append(keys, storage.SectionKey{OrderID: orderID, SectionID: sectionID})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].OrderID != keys[j].OrderID {
			return keys[i].OrderID < keys[j].OrderID
		}
		return keys[i].SectionID < keys[j].SectionID
	})
	return keys, nil
}

// LoadExceptions reads the order's exception list; missing documents are an
// empty list with an empty etag.
func (s *Store) LoadExceptions(_ context.Context, orderID string) ([]storage.Exception, string, error) {
	var list []storage.Exception
	etag, err := readDocument(s.exceptionPath(orderID), &list)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return list, etag, nil
}

// StoreExceptions writes the order's exception list under CAS.
func (s *Store) StoreExceptions(_ context.Context, orderID string, list []storage.Exception, etag string) (string, error) {
	return s.writeDocument(s.exceptionPath(orderID), list, etag)
}

// ListExceptionOrders enumerates orders that have exception documents.
func (s *Store) ListExceptionOrders(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, exceptionsDir))
	if err != nil {
		return nil, fmt.Errorf("disk: list exceptions: %w", err)
	}
	var orders []string
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".json")
		orderID, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		orders = append(orders, orderID)
	}
	sort.Strings(orders)
	return orders, nil
}

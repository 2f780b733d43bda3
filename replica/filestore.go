package replica

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore is the durable device-local Store: one JSON file per key,
// replaced atomically (temp file, fsync, rename) so a crash mid-write leaves
// either the old or the new value, never a torn one.
type FileStore struct {
	root string
}

const fileStoreTmpPrefix = ".pickd-tmp-"

// NewFileStore prepares root and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("replica: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("replica: prepare %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, url.PathEscape(key))
}

// Get returns the stored value for key.
func (f *FileStore) Get(key string) ([]byte, bool, error) {
	payload, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("replica: read %s: %w", key, err)
	}
	return payload, true, nil
}

// Put durably stores value under key before returning.
func (f *FileStore) Put(key string, value []byte) error {
	tempFile, err := os.CreateTemp(f.root, fileStoreTmpPrefix)
	if err != nil {
		return fmt.Errorf("replica: temp file: %w", err)
	}
	tempName := tempFile.Name()
	if _, err := tempFile.Write(value); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("replica: write %s: %w", key, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("replica: sync %s: %w", key, err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replica: close temp: %w", err)
	}
	if err := os.Rename(tempName, f.path(key)); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replica: replace %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is a no-op.
func (f *FileStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replica: delete %s: %w", key, err)
	}
	return nil
}

// List returns every key with the given prefix.
func (f *FileStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("replica: list: %w", err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), fileStoreTmpPrefix) {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close satisfies Store.
func (f *FileStore) Close() error { return nil }

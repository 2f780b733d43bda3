package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pslog"
)

// FileStore validates against a YAML credential file and hot-reloads it when
// the file changes, so supervisor accounts can be rotated without restarting
// the coordinator.
//
// File format:
//
//	users:
//	  - username: maria
//	    user_id: u-17
//	    name: Maria Souza
//	    role: supervisor
//	    password_sha256: <hex digest>
type FileStore struct {
	path    string
	static  *Static
	logger  pslog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type credentialFile struct {
	Users []Credential `yaml:"users"`
}

// NewFileStore loads path and starts watching it for changes.
func NewFileStore(path string, logger pslog.Logger) (*FileStore, error) {
	logger = loggingutil.WithSubsystem(logger, "auth")
	creds, err := loadCredentialFile(path)
	if err != nil {
		return nil, err
	}
	fs := &FileStore{
		path:   path,
		static: NewStatic(creds...),
		logger: logger,
		done:   make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("auth: watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config tooling replace
	// the file by rename, which would orphan a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("auth: watch %s: %w", filepath.Dir(path), err)
	}
	fs.watcher = watcher
	go fs.watch()
	logger.Info("credentials.loaded", "path", path, "users", len(creds))
	return fs, nil
}

// Validate delegates to the current credential snapshot.
func (f *FileStore) Validate(ctx context.Context, username, password string) (Identity, error) {
	return f.static.Validate(ctx, username, password)
}

// Close stops the file watcher.
func (f *FileStore) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *FileStore) watch() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			creds, err := loadCredentialFile(f.path)
			if err != nil {
				f.logger.Warn("credentials.reload_failed", "path", f.path, "error", err)
				continue
			}
			f.static.replace(creds)
			f.logger.Info("credentials.reloaded", "path", f.path, "users", len(creds))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("credentials.watch_error", "error", err)
		}
	}
}

func loadCredentialFile(path string) ([]Credential, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read %s: %w", path, err)
	}
	var file credentialFile
	if err := yaml.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", path, err)
	}
	for i, cred := range file.Users {
		if cred.Username == "" || cred.UserID == "" || cred.PasswordSHA256 == "" {
			return nil, fmt.Errorf("auth: %s: user %d missing username, user_id, or password_sha256", path, i)
		}
	}
	return file.Users, nil
}

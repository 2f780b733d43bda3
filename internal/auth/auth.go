// Package auth is the credential-validation collaborator consumed by the
// exception authorization gate. pickd never owns the login flow; it only asks
// whether a username/password pair is valid and which role it carries.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// Roles privileged enough to authorize pick exceptions.
const (
	RoleSupervisor    = "supervisor"
	RoleAdministrator = "administrator"
)

// ErrInvalidCredentials signals a bad username/password pair.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Identity describes a validated credential.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

// Supervisor reports whether the identity's role may authorize exceptions.
func (id Identity) Supervisor() bool {
	switch id.Role {
	case RoleSupervisor, RoleAdministrator:
		return true
	}
	return false
}

// Validator validates credentials. Implementations must return
// ErrInvalidCredentials for unknown users and wrong passwords alike.
type Validator interface {
	Validate(ctx context.Context, username, password string) (Identity, error)
}

// Credential is one entry in a static credential set. PasswordSHA256 is the
// lowercase hex digest of the password.
type Credential struct {
	Username       string `yaml:"username"`
	UserID         string `yaml:"user_id"`
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	PasswordSHA256 string `yaml:"password_sha256"`
}

// Static is an in-memory Validator used by tests and by the file store as its
// swap-in snapshot.
type Static struct {
	mu    sync.RWMutex
	users map[string]Credential
}

// NewStatic builds a Static validator from the supplied credentials.
func NewStatic(creds ...Credential) *Static {
	s := &Static{users: make(map[string]Credential, len(creds))}
	for _, cred := range creds {
		s.users[cred.Username] = cred
	}
	return s
}

// HashPassword returns the digest format stored in credential files.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Validate checks the pair against the stored digest in constant time.
func (s *Static) Validate(_ context.Context, username, password string) (Identity, error) {
	s.mu.RLock()
	cred, ok := s.users[strings.TrimSpace(username)]
	s.mu.RUnlock()
	digest := HashPassword(password)
	if !ok {
		// Burn the comparison anyway so unknown users cost the same.
		subtle.ConstantTimeCompare([]byte(digest), []byte(digest))
		return Identity{}, ErrInvalidCredentials
	}
	stored := strings.ToLower(strings.TrimSpace(cred.PasswordSHA256))
	if subtle.ConstantTimeCompare([]byte(digest), []byte(stored)) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: cred.UserID, Name: cred.Name, Role: cred.Role}, nil
}

// replace swaps the full credential set; used by the file store on reload.
func (s *Static) replace(creds []Credential) {
	users := make(map[string]Credential, len(creds))
	for _, cred := range creds {
		users[cred.Username] = cred
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
}

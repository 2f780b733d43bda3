// Package correlation carries request correlation identifiers on contexts so
// device retries and dashboard fetches can be tied together in logs.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/pickd/internal/uuidv7"
)

// Header is the HTTP header correlation identifiers travel in.
const Header = "X-Correlation-Id"

// MaxIDLength bounds externally supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Generate produces a fresh correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}

// Set records the correlation ID on ctx when the value is acceptable.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return "", false
		}
	}
	return id, true
}

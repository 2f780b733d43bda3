package pickd

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9344"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store
	// is provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL is the baseline section lease duration.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultEventBuffer sets the per-subscriber event channel depth.
	DefaultEventBuffer = 64
)

// Config drives server construction. Zero values fall back to the defaults
// above; SweeperInterval defaults to a third of LeaseTTL so a crashed device
// is noticed well before a full extra lease period elapses.
type Config struct {
	// Listen is the TCP address for the picking API.
	Listen string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes the pprof debug handlers when non-empty.
	PprofListen string
	// Store selects the lease store backend: "mem://" or "disk:///path".
	Store string
	// CatalogPath points at the YAML order catalog. Required unless a
	// catalog source is injected.
	CatalogPath string
	// AuthFile points at the YAML credential file for the exception gate.
	// Required unless a validator is injected.
	AuthFile string
	// LeaseTTL is the section lease duration; renewals extend by this much.
	LeaseTTL time.Duration
	// SweeperInterval is the reclamation sweep cadence; <0 disables the
	// sweeper, 0 selects LeaseTTL/3.
	SweeperInterval time.Duration
	// JSONMaxBytes bounds request bodies.
	JSONMaxBytes int64
	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = c.LeaseTTL / 3
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// Validate normalizes defaults and rejects unusable configurations.
func (c *Config) Validate() error {
	c.applyDefaults()
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
	case "disk":
		if storePath(u) == "" {
			return fmt.Errorf("config: disk store requires a path, e.g. disk:///var/lib/pickd")
		}
	default:
		return fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
	if c.SweeperInterval > 0 && c.SweeperInterval > c.LeaseTTL {
		return fmt.Errorf("config: sweeper interval %s exceeds lease ttl %s", c.SweeperInterval, c.LeaseTTL)
	}
	return nil
}

func storePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	path := u.Path
	if u.Host != "" {
		path = u.Host + path
	}
	return path
}

package pickd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pickd/client"
	"pkt.systems/pickd/internal/auth"
	"pkt.systems/pickd/internal/catalog"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pslog"
)

// Test fixture credentials registered by NewTestServer.
const (
	TestSupervisorUsername = "super"
	TestSupervisorPassword = "super-pass"
	TestOperatorUsername   = "ana"
	TestOperatorPassword   = "ana-pass"
)

// TestServer wraps a running pickd.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Client  *client.Client
	Config  Config
	Catalog *catalog.Static

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	})
	return logger.With("app", "testserver")
}

// TestOption adjusts the test server fixture.
type TestOption func(*testOptions)

type testOptions struct {
	cfgHooks  []func(*Config)
	serverOps []Option
	clock     clock.Clock
}

// WithTestConfig mutates the fixture config before the server starts.
func WithTestConfig(hook func(*Config)) TestOption {
	return func(o *testOptions) { o.cfgHooks = append(o.cfgHooks, hook) }
}

// WithTestClock injects a clock (usually clock.NewManual) into the server.
func WithTestClock(c clock.Clock) TestOption {
	return func(o *testOptions) {
		o.clock = c
		o.serverOps = append(o.serverOps, WithClock(c))
	}
}

// WithTestOptions forwards extra server options.
func WithTestOptions(opts ...Option) TestOption {
	return func(o *testOptions) { o.serverOps = append(o.serverOps, opts...) }
}

// NewTestServer starts a server on a random port with an in-memory backend,
// a static credential set, and an empty catalog the test populates through
// the Catalog handle. The server stops automatically at test cleanup.
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()
	var o testOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Config{
		Listen:          "127.0.0.1:0",
		Store:           "mem://",
		LeaseTTL:        DefaultLeaseTTL,
		SweeperInterval: -1, // tests drive SweepExpired explicitly
	}
	for _, hook := range o.cfgHooks {
		hook(&cfg)
	}

	validator := auth.NewStatic(
		auth.Credential{
			Username:       TestSupervisorUsername,
			UserID:         "sup-1",
			Name:           "Test Supervisor",
			Role:           auth.RoleSupervisor,
			PasswordSHA256: auth.HashPassword(TestSupervisorPassword),
		},
		auth.Credential{
			Username:       TestOperatorUsername,
			UserID:         "op-1",
			Name:           "Test Operator",
			Role:           "separacao",
			PasswordSHA256: auth.HashPassword(TestOperatorPassword),
		},
	)
	source := catalog.NewStatic()

	serverOpts := append([]Option{
		WithLogger(NewTestingLogger(t, pslog.DebugLevel)),
		WithValidator(validator),
		WithCatalog(source),
	}, o.serverOps...)

	srv, stop, err := StartServer(context.Background(), cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatalf("test server has no listener address")
	}
	baseURL := "http://" + addr.String()

	ts := &TestServer{
		Server:  srv,
		BaseURL: baseURL,
		Client:  client.New(baseURL),
		Config:  cfg,
		Catalog: source,
		stop:    stop,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Logf("test server stop: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ListenerAddr()
}

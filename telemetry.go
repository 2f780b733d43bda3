package pickd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
)

// telemetryBundle owns the optional metrics and pprof listeners. Both are
// separate from the picking API listener so scrapes and profiling never
// compete with device traffic on the same port.
type telemetryBundle struct {
	metricsServer *http.Server
	metricsLn     net.Listener
	pprofServer   *http.Server
	pprofLn       net.Listener
	logger        pslog.Logger
}

func setupTelemetry(metricsListen, pprofListen string, registry *prometheus.Registry, logger pslog.Logger) (*telemetryBundle, error) {
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if metricsListen == "" && pprofListen == "" {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	bundle := &telemetryBundle{logger: logger}

	if metricsListen != "" {
		ln, err := net.Listen("tcp", metricsListen)
		if err != nil {
			return nil, fmt.Errorf("metrics listen (%s): %w", metricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux}
		bundle.metricsLn = ln
		bundle.metricsServer = srv
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("telemetry.metrics.serve_failed", "error", err)
			}
		}()
		logger.Info("telemetry.metrics.listening", "address", ln.Addr().String())
	}

	if pprofListen != "" {
		ln, err := net.Listen("tcp", pprofListen)
		if err != nil {
			if bundle.metricsServer != nil {
				_ = bundle.metricsServer.Close()
			}
			return nil, fmt.Errorf("pprof listen (%s): %w", pprofListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		srv := &http.Server{Handler: mux}
		bundle.pprofLn = ln
		bundle.pprofServer = srv
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("telemetry.pprof.serve_failed", "error", err)
			}
		}()
		logger.Info("telemetry.pprof.listening", "address", ln.Addr().String())
	}

	return bundle, nil
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("pprof server shutdown: %w", err))
		}
	}
	if t.pprofLn != nil {
		_ = t.pprofLn.Close()
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MetricsAddr returns the bound metrics listener address, or nil when the
// metrics endpoint is disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.telemetry != nil && s.telemetry.metricsLn != nil {
		return s.telemetry.metricsLn.Addr()
	}
	return nil
}

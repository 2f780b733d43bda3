package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pickd"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PICKD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pickd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg pickd.Config

	cmd := &cobra.Command{
		Use:           "pickd",
		Short:         "pickd coordinates warehouse order picking: exclusive section leases, heartbeat reclamation, offline-capable pick sync, and supervisor-gated exceptions",
		SilenceErrors: true,
		Example: `
  # In-memory store (tests/dev only)
  pickd --store mem:// --catalog orders.yaml --auth-file users.yaml

  # Durable disk store with Prometheus metrics
  pickd --store disk:///var/lib/pickd --catalog /etc/pickd/orders.yaml \
        --auth-file /etc/pickd/users.yaml --metrics-listen :9345

  # Environment configuration
  PICKD_STORE=disk:///var/lib/pickd PICKD_LEASE_TTL=45s pickd --catalog orders.yaml --auth-file users.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to pickd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
					cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
				}
			}

			server, err := pickd.NewServer(cfg, pickd.WithLogger(logger))
			if err != nil {
				return err
			}

			started := time.Now()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
				cliLogger.Info("stopped", "uptime", humanize.Time(started))
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", pickd.DefaultListen, "listen address for the picking API")
	flags.String("metrics-listen", pickd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", pickd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("store", pickd.DefaultStore, "lease store backend URL (mem://, disk:///path)")
	flags.String("catalog", "", "path to the YAML order catalog")
	flags.String("auth-file", "", "path to the YAML credential file for exception authorization")
	flags.Duration("lease-ttl", pickd.DefaultLeaseTTL, "section lease duration; heartbeats extend by this much")
	flags.Duration("sweeper-interval", 0, "lease reclamation sweep cadence (0 selects lease-ttl/3, negative disables)")
	flags.String("json-max", humanizeBytes(pickd.DefaultJSONMaxBytes), "maximum JSON payload size")
	flags.Int("event-buffer", pickd.DefaultEventBuffer, "per-subscriber event channel depth")
	flags.String("log-level", "", "log level override (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PICKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "metrics-listen", "pprof-listen", "store", "catalog", "auth-file",
		"lease-ttl", "sweeper-interval", "json-max", "event-buffer", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *pickd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.Store = viper.GetString("store")
	cfg.CatalogPath = viper.GetString("catalog")
	cfg.AuthFile = viper.GetString("auth-file")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.EventBuffer = viper.GetInt("event-buffer")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	return nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

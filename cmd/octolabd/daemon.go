package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/internal/api"
	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/config"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/evidence"
	"github.com/octolab/octolab/internal/labs"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/metrics"
	"github.com/octolab/octolab/internal/observability"
	"github.com/octolab/octolab/internal/runtime"
	"github.com/octolab/octolab/internal/store"
	"github.com/octolab/octolab/internal/worker"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the octolab daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	return cmd
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pgStore.Close()

	var minter labs.TokenMinter
	var tokenStore *store.TokenStore
	if cfg.Redis.Addr != "" {
		tokenStore, err = store.NewTokenStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer tokenStore.Close()
		minter = tokenStore
	}

	ev, err := evidence.NewManager(ctx, cfg.Evidence.Dir, cfg.Evidence.S3Bucket, cfg.Evidence.S3Region)
	if err != nil {
		return err
	}

	comp, fc, err := buildBackends(cfg, pgStore)
	if err != nil {
		return err
	}

	selector, err := runtime.NewSelector(domain.RuntimeName(cfg.Runtime.Default), pgStore, comp, fc)
	if err != nil {
		return err
	}
	if cfg.Runtime.Override != "" {
		if err := selector.SetOverride(ctx, domain.RuntimeName(cfg.Runtime.Override)); err != nil {
			return err
		}
	}

	// When firecracker is the backend new labs will get, a host that fails
	// its doctor must not come up quietly.
	if err := gateOnDoctor(ctx, selector); err != nil {
		return err
	}

	labService := labs.NewService(pgStore, selector, minter)
	labService.SetEvidence(ev)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	if cfg.TeardownWorker.Enabled {
		w := worker.New(worker.NewPostgresSource(pgStore), selector, ev, worker.Options{
			Interval:    cfg.TeardownWorker.Interval(),
			BatchSize:   cfg.TeardownWorker.BatchSize,
			LabTimeout:  cfg.TeardownWorker.LabTimeout(),
			StartupTick: cfg.TeardownWorker.StartupTick,
		})
		go func() {
			defer close(workerDone)
			w.Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	go refreshLabGauges(workerCtx, pgStore)

	// Typed-nil guard: a nil *store.TokenStore must stay a nil interface
	// so the redeem endpoint is not registered without Redis.
	var redeemer api.TokenRedeemer
	if tokenStore != nil {
		redeemer = tokenStore
	}

	httpServer := api.StartHTTPServer(cfg.HTTPAddr, api.ServerConfig{
		Labs:      labService,
		Admin:     selector,
		Users:     pgStore,
		Allowlist: auth.NewAllowlist(cfg.Admin.Emails),
		Tokens:    redeemer,
	})

	logging.Op().Info("octolab daemon started",
		"http_addr", cfg.HTTPAddr,
		"runtime_default", cfg.Runtime.Default,
		"environment", cfg.Environment)

	<-ctx.Done()
	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Op().Error("HTTP shutdown error", "error", err)
	}
	stopWorker()
	<-workerDone
	if err := observability.Shutdown(shutdownCtx); err != nil {
		logging.Op().Error("telemetry shutdown error", "error", err)
	}
	return nil
}

// refreshLabGauges keeps the per-status lab gauge current.
func refreshLabGauges(ctx context.Context, pgStore *store.PostgresStore) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := pgStore.CountLabsByStatus(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.Op().Warn("counting labs failed", "error", err)
				}
				continue
			}
			for _, status := range []domain.LabStatus{
				domain.StatusRequested, domain.StatusProvisioning, domain.StatusReady,
				domain.StatusDegraded, domain.StatusEnding, domain.StatusFinished,
				domain.StatusFailed,
			} {
				metrics.Global().SetActiveLabs(string(status), float64(counts[status]))
			}
		}
	}
}

// doctorGate is the selector surface the startup gate needs.
type doctorGate interface {
	Default() domain.RuntimeName
	Override(ctx context.Context) (domain.RuntimeName, error)
	Doctor(ctx context.Context, name domain.RuntimeName) (*runtime.DoctorReport, error)
}

// gateOnDoctor fails startup when the effective runtime is firecracker
// and its doctor reports a fatal problem. An operator override persisted
// in settings outlives daemon restarts, so it wins over config here just
// as it does on the request path.
func gateOnDoctor(ctx context.Context, selector doctorGate) error {
	effective := selector.Default()
	override, err := selector.Override(ctx)
	if err != nil {
		return fmt.Errorf("read runtime override: %w", err)
	}
	if override != "" {
		effective = override
	}
	if effective != domain.RuntimeFirecracker {
		return nil
	}
	report, err := selector.Doctor(ctx, domain.RuntimeFirecracker)
	if err != nil {
		return err
	}
	if !report.OK {
		if c := report.FirstFatal(); c != nil {
			return fmt.Errorf("firecracker doctor check %q failed: %s", c.Name, c.Detail)
		}
		return fmt.Errorf("firecracker doctor reported host not ready")
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubeinquest/kubeinquest/internal/analyzer"
	"github.com/kubeinquest/kubeinquest/internal/audit"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/investigate"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/llm"
	"github.com/kubeinquest/kubeinquest/internal/logging"
	"github.com/kubeinquest/kubeinquest/internal/metrics"
	"github.com/kubeinquest/kubeinquest/internal/monitor"
	"github.com/kubeinquest/kubeinquest/internal/report"
	"github.com/kubeinquest/kubeinquest/internal/scheduler"
	"github.com/kubeinquest/kubeinquest/internal/server"
	"github.com/kubeinquest/kubeinquest/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "kubeinquest",
		Short:         "Autonomous Kubernetes investigation service",
		Long:          "kubeinquest watches a cluster, detects recurring failure patterns, and files evidence-backed investigation reports without being asked.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the monitoring loop and the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return root
}

func runServe(configPath string) error {
	ctx := context.Background()

	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	logger, logLevel, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	clock := clockwork.NewRealClock()
	events := bus.New(logger, clock, bus.DefaultCapacity)
	logger = logging.WithBus(logger, events, zapcore.InfoLevel)

	m := metrics.New()
	events.OnDrop = func(topic bus.Topic) {
		m.BusDroppedTotal.WithLabelValues(string(topic)).Inc()
	}

	logger.Info("starting",
		zap.String("version", version.Version),
		zap.Bool("safe_mode", cfg.LLM.SafeMode))

	releaseLock, err := report.AcquireLock(afero.NewOsFs(), cfg.Reports.Dir)
	if err != nil {
		return fmt.Errorf("locking reports dir: %w", err)
	}
	defer releaseLock()

	store, err := report.NewStore(afero.NewOsFs(), cfg.Reports, events, clock, logger)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}

	auditLog, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer func() { _ = auditLog.Close() }()
	store.OnEvict = func(id string) {
		m.ReportsEvictedTotal.Inc()
		_ = auditLog.Append(ctx, &audit.Record{
			EventType:     audit.EventReportEvicted,
			CorrelationID: id,
			Description:   "report evicted from archive",
			Timestamp:     clock.Now(),
		})
	}
	store.OnSize = func(size int) { m.ReportsArchived.Set(float64(size)) }

	kube, err := cluster.New(cfg.Cluster, cfg.Monitor.AdapterTimeout, logger)
	if err != nil {
		return fmt.Errorf("building kubernetes adapter: %w", err)
	}

	idx, err := knowledge.Load(afero.NewOsFs(), cfg.Knowledge.Dir, cfg.Knowledge.TopK, logger)
	if err != nil {
		return fmt.Errorf("loading knowledge corpus: %w", err)
	}

	model, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("building llm adapter: %w", err)
	}
	model = llm.Instrument(model, func(provider, outcome string) {
		m.LLMRequestsTotal.WithLabelValues(provider, outcome).Inc()
	})
	scanner := analyzer.NewExecAnalyzer(cfg.Analyzer.Binary, logger)

	detector := detect.NewDetector(cfg.Monitor, clock, logger)
	deterministic := investigate.NewDeterministic(kube, scanner, idx, events, clock, logger)
	agentic := investigate.NewAgentic(kube, scanner, idx, model, events, cfg.LLM, clock, logger)

	sched := scheduler.New(cfg.Monitor, scheduler.Deps{
		Deterministic: deterministic,
		Agentic:       agentic,
		Store:         store,
		Tracker:       detector.Tracker(),
		Knowledge:     idx,
		Audit:         auditLog,
		Metrics:       m,
		Events:        events,
		Clock:         clock,
		Logger:        logger,
		SafeMode:      cfg.LLM.SafeMode,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	mon := monitor.New(cfg.Monitor, kube, detector, sched, events, auditLog, m, clock, logger)

	srv := server.New(cfg.Server, server.Deps{
		Monitor:   mon,
		Scheduler: sched,
		Store:     store,
		Audit:     auditLog,
		Metrics:   m,
		Events:    events,
		Clock:     clock,
		Logger:    logger,
		Version:   version.Version,
		SafeMode:  cfg.LLM.SafeMode,
	})

	if err := auditLog.Append(ctx, &audit.Record{
		EventType:   audit.EventProcessStarted,
		Description: version.String(),
		Timestamp:   clock.Now(),
	}); err != nil {
		logger.Warn("audit append failed", zap.Error(err))
	}

	if cfg.Monitor.AutoStart {
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}
	logger.Info("kubeinquest ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("monitoring", cfg.Monitor.AutoStart))

	if err := mgr.Watch(ctx, func(next *config.Config) {
		if lvl, perr := zapcore.ParseLevel(strings.ToLower(next.Logging.Level)); perr == nil {
			logLevel.SetLevel(lvl)
		}
		if aerr := auditLog.Append(ctx, &audit.Record{
			EventType:   audit.EventConfigReloaded,
			Description: "configuration file reloaded",
			Timestamp:   clock.Now(),
		}); aerr != nil {
			logger.Warn("audit append failed", zap.Error(aerr))
		}
		logger.Info("configuration reloaded", zap.String("log_level", next.Logging.Level))
	}); err != nil {
		logger.Warn("config watch unavailable", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if err := mon.Stop(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		logger.Error("monitor shutdown failed", zap.Error(err))
	}
	sched.Stop()
	logger.Info("kubeinquest stopped")
	return nil
}

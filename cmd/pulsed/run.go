package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pulsed/internal/agent"
	"pulsed/internal/collector"
	"pulsed/internal/config"
	"pulsed/internal/daemon"
	"pulsed/internal/health"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/statusserver"
	"pulsed/internal/store"
)

// minFreeDisk is the free space below which the disk check degrades.
const minFreeDisk = 100 << 20

func newRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground",
		Long: `Run the agent until interrupted. A default configuration is written
on first start. SIGINT or SIGTERM stop the running session, flush the open
segment into the queue and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, g.path(), cmd.ErrOrStderr())
		},
	}
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.LogPath()
	lc.MaxSizeMB = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAgeDays = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	lc.RedactKeys = cfg.Logging.RedactKeys
	if lc.Output == "stderr" {
		lc.Writer = stderr
	}
	return logging.New(lc)
}

func runAgent(ctx context.Context, cfgPath string, stderr io.Writer) error {
	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	if created {
		logger.Info("wrote default configuration", "path", cfgPath)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	dm := daemon.NewManager(cfg.PIDPath(), cfg.StatePath())
	if err := dm.Acquire(); err != nil {
		return err
	}
	defer dm.Release()

	agentID, err := agent.LoadOrCreateID(cfg.AgentIDPath())
	if err != nil {
		return err
	}

	client, err := collector.New(collector.Config{
		BaseURL:   cfg.Collector.BaseURL,
		Token:     cfg.Collector.Token,
		AgentID:   agentID,
		UserAgent: "pulsed/" + version,
		Timeout:   cfg.Collector.Timeout(),
	})
	if err != nil {
		return err
	}

	// history and daily stay nil interfaces when the store is off.
	var (
		db      *store.Store
		history agent.History
		daily   statusserver.DailyReporter
	)
	if cfg.Store.Enabled {
		db, err = store.Open(ctx, cfg.StorePath())
		if err != nil {
			logger.Warn("history store unavailable", "path", cfg.StorePath(), "error", err)
			db = nil
		} else {
			defer db.Close()
			history, daily = db, db
		}
	}

	m := metrics.NewAgent(nil)
	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		CrashDir: filepath.Join(cfg.DataDir, "crashes"),
		Version:  version,
		Logger:   logger.Logger,
	})

	a, err := agent.New(agent.Options{
		Config:    cfg,
		Collector: client,
		History:   history,
		Metrics:   m,
		Crash:     crash,
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	registerChecks(checker, cfg, a, db, m)

	var srv *statusserver.Server
	if cfg.Status.Listen != "" {
		srv, err = statusserver.New(statusserver.Options{
			Listen:  cfg.Status.Listen,
			Health:  checker,
			Metrics: m.Registry,
			Status:  func() any { return a.Status() },
			Daily:   daily,
			Logger:  logger.Logger,
		})
		if err != nil {
			return err
		}
		// Keep serving while the session drains; the deferred Shutdown stops it.
		if err := srv.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("status server shutdown", "error", err)
			}
		}()
	}

	watchConfig(ctx, cfgPath, a, logger)

	state := daemon.State{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Version:   version,
		AgentID:   agentID,
		DataDir:   cfg.DataDir,
	}
	if srv != nil {
		state.StatusListen = srv.Addr()
	}
	if err := dm.WriteState(state); err != nil {
		logger.Warn("write state file", "error", err)
	}

	logger.Info("pulsed started",
		"version", version,
		"agent_id", agentID,
		"mode", a.Mode(),
		"collector", client.BaseURL(),
		"status", state.StatusListen,
	)
	checker.SetReady(true)
	err = a.Run(ctx)
	checker.SetReady(false)
	if err != nil {
		logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	logger.Info("pulsed stopped", "queued", a.QueueDepth())
	return nil
}

func registerChecks(c *health.Checker, cfg *config.Config, a *agent.Agent, db *store.Store, m *metrics.Agent) {
	limit := cfg.Queue.MaxItems
	c.Register("queue", false, health.QueueDepthCheck(a.QueueDepth, limit*8/10, limit))
	c.Register("delivery", false, health.DeliveryCheck(a.LastDelivery, a.QueueDepth, 10*time.Minute, time.Now))
	c.Register("input", false, health.CapabilityCheck("input", a.InputAvailable))
	c.Register("window", false, health.CapabilityCheck("window", a.WindowAvailable))
	c.Register("disk", false, health.DiskSpaceCheck(cfg.DataDir, minFreeDisk))
	if db != nil {
		c.Register("store", false, health.ErrorCheck(func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			n, err := db.Count(ctx)
			if err == nil {
				m.HistorySegments.Set(n)
			}
			return err
		}))
	}
}

// watchConfig applies edits to the config file without a restart. Only
// the log level and privacy settings take effect live; cadence changes
// apply to the next session.
func watchConfig(ctx context.Context, path string, a *agent.Agent, logger *logging.Logger) {
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	loader.OnChange(func(_, next *config.Config) {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(level)
		}
		a.ApplyConfig(next)
		logger.Info("configuration reloaded", "path", path)
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed; keeping previous settings", "error", err)
			}
		}
	}()
}

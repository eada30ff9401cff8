package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/quill/ai/provider"
	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/am"
	"github.com/teranos/quill/artifact"
	"github.com/teranos/quill/errors"
	"github.com/teranos/quill/gateway"
	"github.com/teranos/quill/imagegen"
	"github.com/teranos/quill/logger"
	"github.com/teranos/quill/pipeline"
	"github.com/teranos/quill/publish"
	"github.com/teranos/quill/pulse/async"
	"github.com/teranos/quill/pulse/budget"
	"github.com/teranos/quill/server"
	"github.com/teranos/quill/version"
)

// shutdownTimeout bounds HTTP drain on SIGINT/SIGTERM
const shutdownTimeout = 15 * time.Second

// ServeCmd runs the scheduler and the HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the scheduler and HTTP API",
	Long: `Run the admission scheduler, the stage pipeline and the HTTP API.

On start, jobs left processing by a previous run are marked failed and
queued jobs are reloaded into the backlog. Provider toggles in the config
files are reloaded without a restart.

Images are rendered by the service at images.url. Without one the
image_generation stage is skipped and articles publish without images.

Examples:
  quill serve                          # Listen on server.address
  quill serve --addr 0.0.0.0:8740      # Override the listen address
  quill serve --workers 5              # Override pulse.workers`,
	RunE: runServe,
}

var (
	serveAddr    string
	serveWorkers int
	serveDBPath  string
	serveNoSeed  bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.address)")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Concurrent jobs (overrides pulse.workers)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoSeed, "no-seed", false, "Do not seed built-in pricing profiles")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveDBPath == "" {
		serveDBPath = cfg.GetDatabasePath()
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.GetServerAddress()
	}

	database, err := openDatabase(serveDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	budgetStore := budget.NewStore(database)
	if !serveNoSeed {
		added, err := budgetStore.SeedDefaults(ctx, provider.DefaultPricing())
		if err != nil {
			return err
		}
		if added > 0 {
			logger.Infow("Seeded pricing profiles", logger.FieldCount, added)
		}
	}

	usage := tracker.NewUsageTracker(database)
	artifacts := artifact.NewStore(database)
	factory := provider.NewFactoryFromConfig(cfg, logger.ComponentLogger("provider"))
	gw := gateway.New(factory, usage, gateway.SettingsFromConfig(cfg))
	var images pipeline.ImageGenerator
	if wh := imagegen.NewWebhook(cfg.Images); wh != nil {
		images = wh
	} else {
		logger.Warnw("images.url not set; image_generation will be skipped")
	}
	runner := pipeline.NewRunner(gw, artifacts, images, publish.NewWebhook(cfg.Publish), cfg)

	schedCfg := async.SchedulerConfigFromAM(cfg.Pulse)
	if serveWorkers > 0 {
		schedCfg.Workers = serveWorkers
	}
	ledger := budget.NewTracker(budgetStore, logger.ComponentLogger("budget"))
	scheduler := async.NewScheduler(async.NewQueue(database), ledger, runner, schedCfg, logger.ComponentLogger("scheduler"))

	srv, err := server.New(server.Deps{
		Scheduler: scheduler,
		Artifacts: artifacts,
		Usage:     usage,
		Budget:    ledger,
	}, cfg.Server, logger.ComponentLogger("server"))
	if err != nil {
		return err
	}

	printStartupBanner(addr, serveDBPath, scheduler.Workers(), factory.Families())

	if err := scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}

	if watcher := startConfigWatcher(gw, runner, srv); watcher != nil {
		defer func() {
			am.SetGlobalWatcher(nil)
			if err := watcher.Stop(); err != nil {
				logger.Debugw("Config watcher stop", logger.FieldError, err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		pterm.Info.Println("Shutting down: draining HTTP, stopping pipelines")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		scheduler.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	pterm.Success.Println("quill stopped")
	return nil
}

// startConfigWatcher hot-reloads gateway settings, pipeline config and
// allowed origins. It returns nil when no config file can be watched.
func startConfigWatcher(gw *gateway.Gateway, runner *pipeline.Runner, srv *server.Server) *am.ConfigWatcher {
	runtimePath := am.RuntimeConfigPath()
	if runtimePath != "" {
		if _, err := os.Stat(runtimePath); os.IsNotExist(err) {
			// Created empty so toggles written later are seen
			if err := os.WriteFile(runtimePath, nil, 0600); err != nil {
				logger.Debugw("Could not create runtime config", "file", runtimePath, logger.FieldError, err)
			}
		}
	}

	watcher, err := am.NewConfigWatcher(am.ConfigPath(), userConfigPath(), runtimePath)
	if err != nil {
		logger.Infow("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		gw.UpdateSettings(gateway.SettingsFromConfig(cfg))
		runner.UpdateConfig(cfg)
		srv.SetAllowedOrigins(cfg.Server.AllowedOrigins)
		logger.Infow("Applied reloaded config",
			"disabled_providers", cfg.Gateway.DisabledProviders,
			"single_backend", cfg.Gateway.SingleBackend)
		return nil
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

func printStartupBanner(addr, dbPath string, workers int, families []string) {
	pterm.DefaultHeader.Printf("quill %s", version.Get().Short())
	pterm.Info.Printf("API:       http://%s\n", addr)
	pterm.Info.Printf("Jobs:      ws://%s/ws/jobs\n", addr)
	pterm.Info.Printf("Database:  %s\n", dbPath)
	pterm.Info.Printf("Workers:   %d\n", workers)
	pterm.Info.Printf("Providers: %v\n", families)
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}

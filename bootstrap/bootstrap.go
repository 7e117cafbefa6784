// Package bootstrap wires configuration, store, manifest, dispatcher,
// and HTTP server into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpadapter "github.com/artpar/levelgate/adapters/http"
	"github.com/artpar/levelgate/adapters/idgen"
	"github.com/artpar/levelgate/adapters/memory"
	"github.com/artpar/levelgate/adapters/metrics"
	"github.com/artpar/levelgate/adapters/sqlite"
	"github.com/artpar/levelgate/app"
	"github.com/artpar/levelgate/config"
	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/ports"
)

// App holds the wired application.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Registry   *app.Registry
	Dispatcher *app.Dispatcher
	Provider   ports.StoreProvider
	HTTPServer *http.Server

	metrics *metrics.Collector
	watcher *manifestWatcher
}

// Options configures bootstrap beyond the config file.
type Options struct {
	// Registry carries host-registered methods, predicates, and
	// transforms. A nil registry still serves store methods and
	// expr locators.
	Registry *app.Registry

	// Metrics overrides the config-driven collector, mainly so tests
	// avoid double registration on the default Prometheus registerer.
	Metrics ports.Metrics
}

// New loads the manifest and wires the application from config.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := setupLogger(cfg.Logging)

	reg := opts.Registry
	if reg == nil {
		reg = app.NewRegistry()
	}

	provider, err := buildProvider(cfg.Store)
	if err != nil {
		return nil, err
	}

	doc, err := os.ReadFile(cfg.Manifest.Path)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	man, err := manifest.Load(doc, reg)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	var m ports.Metrics = opts.Metrics
	var collector *metrics.Collector
	if m == nil {
		if cfg.Metrics.Enabled {
			collector = metrics.New()
			m = collector
		} else {
			m = ports.NopMetrics{}
		}
	}

	dispatcher, err := app.New(man, provider, reg, app.Options{
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	handler := httpadapter.NewDispatchHandler(dispatcher, logger)
	router := httpadapter.NewRouter(handler, logger, httpadapter.RouterConfig{
		EnableMetrics: cfg.Metrics.Enabled,
	})

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Registry:   reg,
		Dispatcher: dispatcher,
		Provider:   provider,
		HTTPServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		metrics: collector,
	}

	if cfg.Manifest.HotReload {
		watcher, err := newManifestWatcher(cfg.Manifest.Path, a.reloadManifest, logger)
		if err != nil {
			provider.Close()
			return nil, fmt.Errorf("watch manifest: %w", err)
		}
		a.watcher = watcher
	}

	return a, nil
}

func buildProvider(cfg config.StoreConfig) (ports.StoreProvider, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewProvider(memory.Options{
			LiveBuffer: cfg.LiveBuffer,
			IDs:        idgen.UUID{},
		}), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN, sqlite.Options{
			LiveBuffer: cfg.LiveBuffer,
			IDs:        idgen.UUID{},
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// reloadManifest loads the manifest file and swaps it into the running
// dispatcher. A manifest that fails to load or bind leaves the current
// one serving.
func (a *App) reloadManifest() error {
	doc, err := os.ReadFile(a.Config.Manifest.Path)
	if err != nil {
		a.observeReload(false)
		return fmt.Errorf("read manifest: %w", err)
	}
	man, err := manifest.Load(doc, a.Registry)
	if err != nil {
		a.observeReload(false)
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := a.Dispatcher.Swap(man); err != nil {
		a.observeReload(false)
		return fmt.Errorf("swap manifest: %w", err)
	}
	a.observeReload(true)
	a.Logger.Info().Str("path", a.Config.Manifest.Path).Msg("manifest reloaded")
	return nil
}

func (a *App) observeReload(ok bool) {
	if a.metrics != nil {
		a.metrics.ManifestReload(ok)
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if a.watcher != nil {
		a.watcher.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.watcher != nil {
		a.watcher.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

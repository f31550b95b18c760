package bot

import (
	"context"
	"fmt"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/docstore"
	"watchbot/internal/eventbus"
	"watchbot/internal/notify"
	"watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	"watchbot/internal/transport/telegram"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

// App owns the whole component graph: config manager, transport adapter,
// snapshot store, poll runner and the command dispatch loop.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	adapter kit.Adapter
	disp    *notify.Service
	store   docstore.Store
	reg     *watch.Registry
	bus     eventbus.Bus

	runner *watch.Runner
	sup    *supervisor.Supervisor
}

// PluginFactory builds a topic plugin once the app's logger exists.
type PluginFactory func(log logx.Logger) watch.Plugin

// New builds the app from a config file. Plugins must cover every topic kind
// present in the stored document; the mismatch is caught in Start, before any
// poll cycle runs.
func New(cfgPath string, factories ...PluginFactory) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	if err := validate(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := docstore.Open(docstore.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "docstore")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	plugins := make([]watch.Plugin, 0, len(factories))
	for _, f := range factories {
		plugins = append(plugins, f(log))
	}
	reg, err := watch.NewRegistry(plugins...)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("component", "bot")),
		adapter: adapter,
		disp:    notify.New(notify.Config{RatePerSec: cfg.Notifier.RatePerSec}, adapter, log.With(logx.String("component", "notify"))),
		store:   store,
		reg:     reg,
		bus:     eventbus.New(),
	}, nil
}

// validate is the shared config check used both at startup and on hot reload.
// A reload that fails here is rejected and the previous config stays live.
func validate(cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("invalid config: telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := pollerConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Notifier.RatePerSec < 0 {
		return fmt.Errorf("invalid config: notifier.rate_per_sec must be >= 0")
	}
	return nil
}

func pollerConfig(cfg *config.Config) (watch.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, time.Minute)
	if err != nil {
		return watch.Config{}, err
	}
	fetchTimeout, err := config.ParseDurationOrDefault("poller.fetch_timeout", cfg.Poller.FetchTimeout, 30*time.Second)
	if err != nil {
		return watch.Config{}, err
	}
	return watch.Config{
		Enabled:      cfg.Poller.Enabled,
		Interval:     interval,
		FetchTimeout: fetchTimeout,
		Timezone:     cfg.Poller.Timezone,
	}, nil
}

// Start loads the document, spins up the runner, adapter and background
// loops. It returns once everything is running; Stop tears it down.
func (a *App) Start(ctx context.Context) error {
	doc, err := a.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	cfg := a.cfgMgr.Get()
	watchCfg, err := pollerConfig(cfg)
	if err != nil {
		return err
	}
	runner, err := watch.NewRunner(watchCfg, doc, a.store, a.reg, a.disp, a.log.With(logx.String("component", "watch")), a.bus)
	if err != nil {
		return err
	}
	a.runner = runner

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))))

	updates := make(chan kit.Update, 64)
	if err := a.adapter.Start(a.sup.Context(), updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	a.sup.Go("bot.dispatch", func(ctx context.Context) error {
		return a.DispatchLoop(ctx, updates)
	})

	if err := a.runner.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	a.sup.Go("config.watch", a.cfgMgr.Watch)
	a.watchReloads()
	a.logEvents()

	a.log.Info("watchbot started",
		logx.Int("topics", len(a.runner.Topics())),
		logx.Bool("poller", watchCfg.Enabled),
		logx.Duration("interval", watchCfg.Interval))
	return nil
}

// watchReloads applies accepted config reloads to the live components.
// The token and storage driver are startup-only; changing them needs a
// restart and a reload that touches them only logs a notice.
func (a *App) watchReloads() {
	ch := a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	a.disp.Apply(notify.Config{RatePerSec: cfg.Notifier.RatePerSec})

	// validate already ran in the manager, so this cannot fail here.
	watchCfg, err := pollerConfig(cfg)
	if err == nil {
		a.runner.Apply(watchCfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
	a.log.Info("config reload applied")
}

// logEvents drains the internal bus into the debug log so cycle and delivery
// outcomes show up in one place.
func (a *App) logEvents() {
	ch, unsub := a.bus.Subscribe(16)
	a.sup.Go0("events.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// Stop shuts components down in reverse start order. The runner goes first so
// no cycle is mid-flight while the adapter drains.
func (a *App) Stop(ctx context.Context) error {
	if a.runner != nil {
		a.runner.Stop(ctx)
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	var supErr error
	if a.sup != nil {
		a.sup.Cancel()
		supErr = a.sup.Stop(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("watchbot stopped")
	_ = a.logSvc.Close()
	return supErr
}

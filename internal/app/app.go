// Package app wires configuration, storage, sources, dispatch and the
// scheduler into one runnable unit.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tickerwire/internal/config"
	"tickerwire/internal/dedup"
	"tickerwire/internal/dispatch/telegram"
	"tickerwire/internal/eventbus"
	"tickerwire/internal/feed/globalmarkets"
	"tickerwire/internal/feed/insights"
	"tickerwire/internal/feed/livenews"
	"tickerwire/internal/pipeline"
	"tickerwire/internal/retry"
	"tickerwire/internal/store"
	"tickerwire/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store store.Store
	sched *pipeline.Scheduler

	unsubAudit func()
	watchStop  context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Logging)
	log = log.With(logx.String("comp", "app"))

	// Live config edits only move the logging block; everything else is
	// pinned until restart.
	cfgm.OnReload = func(next *config.Config) { logSvc.Apply(next.Logging) }

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(cfg, logSvc.Logger()); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases whatever New managed to build before failing, e.g. a
// store opened before the dispatcher rejected its credentials.
func (a *App) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, 30*24*time.Hour)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
		Retention:   retention,
	}, root.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	disp, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		SendTimeout: sendTimeout,
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}

	pace, err := config.ParseDurationOrDefault("pipeline.pace", cfg.Pipeline.Pace, 2*time.Second)
	if err != nil {
		return err
	}
	grace, err := config.ParseDurationOrDefault("pipeline.shutdown_grace", cfg.Pipeline.ShutdownGrace, 15*time.Second)
	if err != nil {
		return err
	}
	policy, err := retryPolicy(cfg.Pipeline.Retry)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	a.sched = pipeline.New(pipeline.Config{
		Location:      loc,
		Pace:          pace,
		ShutdownGrace: grace,
		Retry:         policy,
	}, st, dedup.New(st, root.With(logx.String("comp", "dedup"))), disp, a.bus, root.With(logx.String("comp", "pipeline")))

	httpClient := &http.Client{Timeout: 30 * time.Second}

	if s := cfg.Sources.Insights; s.Enabled {
		interval, err := config.ParseDurationOrDefault("sources.insights.interval", s.Interval, 5*time.Minute)
		if err != nil {
			return err
		}
		src := insights.New(insights.Config{
			URL:        s.URL,
			RangeType:  s.RangeType,
			StockGroup: s.StockGroup,
			Location:   loc,
		}, httpClient, root.With(logx.String("comp", "insights")))
		if err := a.sched.Add(pipeline.Job{
			Source:    src,
			Trigger:   pipeline.Every(interval),
			MaxPerRun: s.MaxPerRun,
		}); err != nil {
			return err
		}
	}

	if s := cfg.Sources.LiveNews; s.Enabled {
		interval, err := config.ParseDurationOrDefault("sources.live_news.interval", s.Interval, 5*time.Minute)
		if err != nil {
			return err
		}
		maxPerRun := s.MaxPerRun
		if maxPerRun <= 0 {
			maxPerRun = 10
		}
		src := livenews.New(livenews.Config{URL: s.URL}, httpClient, root.With(logx.String("comp", "livenews")))
		if err := a.sched.Add(pipeline.Job{
			Source:    src,
			Trigger:   pipeline.Every(interval),
			MaxPerRun: maxPerRun,
		}); err != nil {
			return err
		}
	}

	if s := cfg.Sources.GlobalMarkets; s.Enabled {
		src := globalmarkets.New(globalmarkets.Config{
			URLs: map[string]string{
				"major_indices":  s.MajorIndicesURL,
				"indian_indices": s.IndianIndicesURL,
				"commodities":    s.CommoditiesURL,
				"currencies":     s.CurrenciesURL,
			},
			Location: loc,
		}, httpClient, root.With(logx.String("comp", "globalmarkets")))
		if err := a.sched.Add(pipeline.Job{
			Source:  src,
			Trigger: pipeline.DailyAt(s.DailyAtOrDefault()),
		}); err != nil {
			return err
		}
	}

	return nil
}

func retryPolicy(rc config.RetryConfig) (retry.Policy, error) {
	base, err := config.ParseDurationOrDefault("pipeline.retry.base_delay", rc.BaseDelay, 2*time.Second)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("pipeline.retry.max_delay", rc.MaxDelay, 30*time.Second)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Jitter:      rc.Jitter,
	}, nil
}

// Start launches the audit trail, the scheduler and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.unsubAudit = a.startAudit()

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchStop = cancel
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop() {
	if a.watchStop != nil {
		a.watchStop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.unsubAudit != nil {
		a.unsubAudit()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	a.logs.Close()
}

// Snapshot exposes scheduler state for debugging surfaces.
func (a *App) Snapshot() pipeline.Snapshot { return a.sched.Snapshot() }

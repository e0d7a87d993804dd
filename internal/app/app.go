package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/admin"
	"dispatchd/internal/booking"
	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/lifecycle"
	"dispatchd/internal/metrics"
	"dispatchd/internal/notifier"
	"dispatchd/internal/promotion"
	"dispatchd/internal/recurrence"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	"dispatchd/internal/timewindow"
	"dispatchd/internal/transport/telegram"
	logx "dispatchd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	engine  *engine.Service
	sched   *scheduler.Service
	disp    *notifier.Dispatcher
	notif   *notifier.Service
	promo   *promotion.Engine
	life    *lifecycle.Service
	books   *booking.Service
	recur   *recurrence.Expander
	metrics *metrics.Collector
	admin   *admin.Server
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var ops logx.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		ops = tg
	}
	logSvc, log := logx.New(mapLogging(cfg), ops)

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	if err := a.build(ctx, cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	calc, err := timewindow.New(strings.TrimSpace(cfg.Scheduler.Timezone), nil)
	if err != nil {
		return err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")), a.bus)

	ncfg, _ := mapNotifierConfig(cfg)
	channels, err := buildChannels(cfg, nil)
	if err != nil {
		return err
	}
	nlog := log.With(logx.String("comp", "notifier"))
	a.disp = notifier.NewDispatcher(channels, ncfg.SendTimeout, nlog, a.bus)
	a.notif = notifier.New(ncfg, a.disp, nlog, a.bus, store)
	if len(channels) == 0 {
		a.log.Warn("no notification channels configured; messages will fail")
	}

	a.promo = promotion.New(promotion.Config{Location: calc.Location()}, store, a.notif,
		log.With(logx.String("comp", "promotion")), a.bus)

	lcfg, _ := mapLifecycleConfig(cfg)
	a.life = lifecycle.New(lcfg, calc, lifecycle.Deps{
		Store:     store,
		Promoter:  a.promo,
		Notifier:  a.notif,
		Scheduler: a.sched,
		Engine:    a.engine,
		Log:       log.With(logx.String("comp", "lifecycle")),
		Bus:       a.bus,
	})
	if err := a.life.Register(); err != nil {
		return err
	}

	a.recur = recurrence.New(calc.Location())
	a.books = booking.NewService(booking.ServiceConfig{BatchSize: cfg.Lifecycle.BatchSize}, store, a.recur,
		booking.LinearFare{Base: cfg.Fare.Base, PerMinute: cfg.Fare.PerMinute},
		log.With(logx.String("comp", "booking")))

	a.metrics = metrics.New()
	a.admin = admin.NewServer(mapAdminConfig(cfg), admin.Deps{
		Tasks:    a.life,
		Store:    store,
		Notifier: a.notif,
		Metrics:  a.metrics.Handler(),
		Log:      log.With(logx.String("comp", "admin")),
	})
	return nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Bookings() *booking.Service         { return a.books }
func (a *App) Lifecycle() *lifecycle.Service      { return a.life }
func (a *App) Notifier() *notifier.Service        { return a.notif }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Metrics() *metrics.Collector        { return a.metrics }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived services: workers, cron triggers, admin HTTP,
// metrics and config hot reload.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	a.notif.Start(c)
	a.engine.Start(c)
	if a.sched.Enabled() {
		a.sched.Start(c)
	} else {
		a.log.Warn("scheduler disabled; lifecycle tasks run only when triggered")
	}
	a.admin.Start(c)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("timezone", a.sched.Location().String()),
		logx.Any("channels", a.disp.Channels()),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// RunTask runs one lifecycle task synchronously with the notifier running
// just long enough to deliver what the run queued.
func (a *App) RunTask(ctx context.Context, name string) (lifecycle.TickReport, error) {
	a.notif.Start(ctx)
	rep, err := a.life.Trigger(ctx, name)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.notif.Stop(drainCtx)
	cancel()

	if err == nil && a.store != nil {
		aerr := a.store.AppendAudit(ctx, storage.AuditEntry{
			At:     time.Now().UTC(),
			Actor:  "cli",
			Action: "task.run",
			Target: name,
			OK:     rep.Succeeded,
			Fail:   rep.Failed,
			TookMS: rep.Took.Milliseconds(),
		})
		if aerr != nil {
			a.log.Warn("audit append failed", logx.String("task", name), logx.Err(aerr))
		}
	}
	return rep, err
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

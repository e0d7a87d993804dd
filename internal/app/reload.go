package app

import (
	"context"
	"strings"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/timewindow"
	logx "dispatchd/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes a validated config into the running components. Storage,
// admin and the telegram token need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}

	wasScheduling := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	switch {
	case wasScheduling && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasScheduling && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	calc, err := timewindow.New(strings.TrimSpace(next.Scheduler.Timezone), nil)
	if err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else if lcfg, err := mapLifecycleConfig(next); err != nil {
		a.log.Warn("invalid lifecycle config; keeping previous", logx.Err(err))
	} else {
		a.promo.SetLocation(calc.Location())
		a.recur.SetLocation(calc.Location())
		if err := a.life.Apply(lcfg, calc); err != nil {
			a.log.Warn("lifecycle re-register failed", logx.Err(err))
		}
	}

	a.applyNotifier(ctx, next)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	channels, err := buildChannels(next, nil)
	if err != nil {
		a.log.Warn("invalid notifier channels; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(ncfg)
	a.disp.SetChannels(channels)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

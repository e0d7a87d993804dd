package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"dispatchd/internal/admin"
	"dispatchd/internal/config"
	"dispatchd/internal/lifecycle"
	"dispatchd/internal/notifier"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/chat"
	"dispatchd/internal/transport/sms"
	logx "dispatchd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     2,
		QueueSize:   64,
		HistorySize: 200,
	}
	raw := ""
	if te := cfg.TaskEngine; te != nil {
		if te.Workers > 0 {
			out.Workers = te.Workers
		}
		if te.QueueSize > 0 {
			out.QueueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			out.HistorySize = te.HistorySize
		}
		out.RetryMax = te.RetryMax
		raw = te.DefaultTimeout
	}
	d, err := config.ParseDurationOrDefault("task_engine.default_timeout", raw, 50*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	lc := cfg.Lifecycle
	rem, err := mapTask("lifecycle.reminder", lc.Reminder, config.DefaultReminderSchedule, 0, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	pro, err := mapTask("lifecycle.promotion", lc.Promotion, config.DefaultPromotionSchedule, config.DefaultPromotionMargin, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	alr, err := mapTask("lifecycle.alert", lc.Alert, config.DefaultAlertSchedule, config.DefaultAlertMargin, config.DefaultAlertLookahead)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{Reminder: rem, Promotion: pro, Alert: alr, ScanLimit: lc.ScanLimit}, nil
}

func mapTask(key string, tc config.TaskConfig, schedule string, margin float64, lookahead time.Duration) (lifecycle.TaskSettings, error) {
	ts := lifecycle.TaskSettings{
		Enabled:       tc.IsEnabled(),
		Schedule:      schedule,
		MarginMinutes: margin,
	}
	if s := strings.TrimSpace(tc.Schedule); s != "" {
		ts.Schedule = s
	}
	if tc.MarginMinutes > 0 {
		ts.MarginMinutes = tc.MarginMinutes
	}
	la, err := config.ParseDurationOrDefault(key+".lookahead", tc.Lookahead, lookahead)
	if err != nil {
		return ts, err
	}
	ts.Lookahead = la
	to, err := config.ParseDurationField(key+".timeout", tc.Timeout)
	if err != nil {
		return ts, err
	}
	ts.Timeout = to
	return ts, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true, DedupWindow: 24 * time.Hour}, nil
	}
	send, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 24*time.Hour)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     nc.Enabled,
		Workers:     nc.Workers,
		QueueSize:   nc.QueueSize,
		RatePerSec:  nc.RatePerSec,
		SendTimeout: send,
		DedupWindow: window,
	}, nil
}

// buildChannels returns the delivery routes in fallback order: the primary
// chat API, any extra chat accounts, then SMS.
func buildChannels(cfg *config.Config, hc *http.Client) ([]notifier.Channel, error) {
	nc := cfg.Notifier
	if nc == nil {
		return nil, nil
	}
	if hc == nil {
		hc = transport.DefaultHTTPClient()
	}
	var out []notifier.Channel
	addChat := func(key string, cc config.ChatChannel, def string) error {
		if !cc.Enabled {
			return nil
		}
		name := strings.TrimSpace(cc.Name)
		if name == "" {
			name = def
		}
		c, err := chat.New(chat.Config{Name: name, BaseURL: cc.BaseURL, Token: cc.Token, PhoneNumberID: cc.PhoneNumberID}, hc)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, notifier.Channel{Name: c.Name(), Rich: true, Sender: c})
		return nil
	}
	if err := addChat("notifier.chat", nc.Chat, "chat"); err != nil {
		return nil, err
	}
	for i, cc := range nc.Extra {
		if err := addChat(fmt.Sprintf("notifier.extra[%d]", i), cc, fmt.Sprintf("chat-%d", i+2)); err != nil {
			return nil, err
		}
	}
	if nc.SMS.Enabled {
		c, err := sms.New(sms.Config{
			BaseURL:    nc.SMS.BaseURL,
			AccountSID: nc.SMS.AccountSID,
			AuthToken:  nc.SMS.AuthToken,
			From:       nc.SMS.From,
		}, hc)
		if err != nil {
			return nil, fmt.Errorf("notifier.sms: %w", err)
		}
		out = append(out, notifier.Channel{Name: c.Name(), Sender: c})
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./data/dispatchd.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled: cfg.Admin.Enabled,
		Addr:    cfg.Admin.Addr,
		Options: admin.Options{Token: cfg.Admin.Token, Pprof: cfg.Admin.Pprof},
	}
}

// validate runs every mapping so a hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLifecycleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := buildChannels(cfg, nil); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

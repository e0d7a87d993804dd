package config

import (
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/task/scheduler"
)

// Defaults for the lifecycle tasks.
const (
	DefaultReminderSchedule  = "0 22 * * *"
	DefaultPromotionSchedule = "* * * * *"
	DefaultAlertSchedule     = "*/5 * * * *"
	DefaultPromotionMargin   = 1.0
	DefaultAlertMargin       = 2.5
	DefaultAlertLookahead    = 30 * time.Minute
	DefaultBatchSize         = 50
)

// Validate rejects configs that would fail at runtime. It never mutates cfg.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if te := c.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return fmt.Errorf("task_engine: counts must be >= 0")
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return err
		}
	}
	tasks := []struct {
		key string
		tc  TaskConfig
	}{
		{"lifecycle.reminder", c.Lifecycle.Reminder},
		{"lifecycle.promotion", c.Lifecycle.Promotion},
		{"lifecycle.alert", c.Lifecycle.Alert},
	}
	for _, t := range tasks {
		if s := strings.TrimSpace(t.tc.Schedule); s != "" {
			if _, err := scheduler.ParseSchedule(s); err != nil {
				return fmt.Errorf("%s.schedule: invalid %q: %w", t.key, s, err)
			}
		}
		if t.tc.MarginMinutes < 0 {
			return fmt.Errorf("%s.margin_minutes must be >= 0", t.key)
		}
		if _, err := ParseDurationBounded(t.key+".lookahead", t.tc.Lookahead, MaxLookahead); err != nil {
			return err
		}
		if _, err := ParseDurationField(t.key+".timeout", t.tc.Timeout); err != nil {
			return err
		}
	}
	if c.Lifecycle.BatchSize < 0 || c.Lifecycle.ScanLimit < 0 {
		return fmt.Errorf("lifecycle: batch_size and scan_limit must be >= 0")
	}
	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 {
			return fmt.Errorf("notifier: counts must be >= 0")
		}
		if _, err := ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return err
		}
		if n.Chat.Enabled && strings.TrimSpace(n.Chat.BaseURL) == "" {
			return fmt.Errorf("notifier.chat.base_url is required when enabled")
		}
		if n.SMS.Enabled && strings.TrimSpace(n.SMS.BaseURL) == "" {
			return fmt.Errorf("notifier.sms.base_url is required when enabled")
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Fare.Base < 0 || c.Fare.PerMinute < 0 {
		return fmt.Errorf("fare: values must be >= 0")
	}
	return nil
}

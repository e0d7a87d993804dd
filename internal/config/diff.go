package config

import (
	"reflect"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Tokens and credentials are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.ops", newCfg.Logging.Ops.Enabled),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID || oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Lifecycle, newCfg.Lifecycle) {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.String("lifecycle.promotion", newCfg.Lifecycle.Promotion.Schedule),
			logx.String("lifecycle.alert", newCfg.Lifecycle.Alert.Schedule),
			logx.String("lifecycle.reminder", newCfg.Lifecycle.Reminder.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if newCfg.Notifier != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
				logx.Bool("notifier.chat", newCfg.Notifier.Chat.Enabled),
				logx.Bool("notifier.sms", newCfg.Notifier.SMS.Enabled),
			)
		}
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", newCfg.Admin.Enabled), logx.String("admin.addr", newCfg.Admin.Addr))
	}
	if oldCfg.Fare != newCfg.Fare {
		changed = append(changed, "fare")
	}
	return changed, attrs
}

// RestartRequired lists sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "admin", "telegram":
			out = append(out, s)
		}
	}
	return out
}

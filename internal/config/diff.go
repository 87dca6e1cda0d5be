package config

import (
	"reflect"
	"strings"

	logx "kworkbot/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never tokens or passwords), and (3) the changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.APIURL != nt.APIURL || ot.DisablePreview != nt.DisablePreview ||
		ot.SendTimeout != nt.SendTimeout || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	ow, nw := oldCfg.Kwork, newCfg.Kwork
	if ow.Login != nw.Login || ow.Password != nw.Password || ow.BaseURL != nw.BaseURL || ow.RequestTimeout != nw.RequestTimeout {
		changed = append(changed, "kwork")
		attrs = append(attrs,
			logx.Bool("kwork.credentials_changed", ow.Login != nw.Login || ow.Password != nw.Password),
			logx.String("kwork.base_url", nw.BaseURL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracker, newCfg.Tracker) {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Any("tracker.categories", newCfg.Tracker.Categories),
			logx.String("tracker.poll_interval", string(newCfg.Tracker.PollInterval)),
			logx.String("tracker.max_poll_interval", string(newCfg.Tracker.MaxPollInterval)),
			logx.Bool("tracker.announce_on_init", newCfg.Tracker.AnnounceOnInit),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	oldSt, newSt := oldCfg.Storage, newCfg.Storage
	if oldSt.Driver != newSt.Driver || oldSt.Path != newSt.Path || oldSt.DSN != newSt.DSN || oldSt.BusyTimeout != newSt.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newSt.Driver),
			logx.String("storage.path", newSt.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newSt.DSN) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	var restart []string
	for _, s := range changed {
		if !HotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

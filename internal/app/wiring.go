package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kworkbot/internal/config"
	"kworkbot/internal/marketplace"
	"kworkbot/internal/notifier"
	"kworkbot/internal/storage"
	"kworkbot/internal/tracker"
	kit "kworkbot/internal/transport"
	telegram "kworkbot/internal/transport/telegram/adapter"
	logx "kworkbot/pkg/logx"
)

// WatermarkKey names the watermark record of one destination.
func WatermarkKey(cfg *config.Config) string {
	if cfg.Telegram.ThreadID != 0 {
		return fmt.Sprintf("chat:%d:%d", cfg.Telegram.ChatID, cfg.Telegram.ThreadID)
	}
	return fmt.Sprintf("chat:%d", cfg.Telegram.ChatID)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	sc := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:   strings.TrimSpace(cfg.Storage.Path),
		DSN:    strings.TrimSpace(cfg.Storage.DSN),
	}
	if sc.Driver == "sqlite" || sc.Driver == "sqlite3" {
		sc.BusyTimeout = d.BusyTimeout
		if sc.BusyTimeout <= 0 {
			sc.BusyTimeout = time.Second
		}
	}
	return sc
}

func mapTelegramConfig(cfg *config.Config, d config.Durations) telegram.Config {
	return telegram.Config{
		Token:  cfg.Telegram.Token,
		APIURL: cfg.Telegram.APIURL,
		// The per-send budget is enforced by the notifier; the HTTP client
		// only needs to outlive it.
		HTTPTimeout: max(d.SendTimeout, 15*time.Second) + 5*time.Second,
	}
}

func mapNotifierConfig(cfg *config.Config, d config.Durations) notifier.Config {
	return notifier.Config{
		Target:         kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		DisablePreview: cfg.Telegram.DisablePreview,
		RatePerSec:     cfg.Notifier.RatePerSec,
		SendTimeout:    d.SendTimeout,
		RetryMax:       cfg.Notifier.RetryMax,
		RetryBase:      d.RetryBase,
		RetryMaxDelay:  d.RetryMaxDelay,
	}
}

func mapMarketplaceConfig(cfg *config.Config, d config.Durations) marketplace.Config {
	return marketplace.Config{
		BaseURL:  cfg.Kwork.BaseURL,
		Login:    cfg.Kwork.Login,
		Password: cfg.Kwork.Password,
		Timeout:  d.RequestTimeout,
	}
}

func mapTrackerConfig(cfg *config.Config, d config.Durations) tracker.Config {
	return tracker.Config{
		Key:             WatermarkKey(cfg),
		Categories:      cfg.Tracker.Categories,
		PollInterval:    d.PollInterval,
		MaxPollInterval: d.MaxPollInterval,
		AnnounceOnInit:  cfg.Tracker.AnnounceOnInit,
		MaxReplay:       cfg.Tracker.MaxReplay,
	}
}

// OpenStore opens the configured watermark store. Used by the CLI state
// commands, which do not need the rest of the app.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(mapStorageConfig(cfg, d), log.With(logx.String("comp", "storage")))
}

// destinationGuard rejects a reloaded config that moves the delivery
// destination. The watermark is keyed by it, so the switch needs a restart.
func destinationGuard(current func() *config.Config) func(context.Context, *config.Config) error {
	return func(_ context.Context, next *config.Config) error {
		cur := current()
		if cur == nil || next == nil {
			return nil
		}
		if from, to := WatermarkKey(cur), WatermarkKey(next); from != to {
			return fmt.Errorf("telegram destination changed from %s to %s; restart to apply", from, to)
		}
		return nil
	}
}

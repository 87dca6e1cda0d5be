package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override file values. Secrets are usually
// supplied this way instead of being written to the config file.
const (
	EnvKworkLogin     = "KWORK_LOGIN"
	EnvKworkPassword  = "KWORK_PASSWORD"
	EnvTelegramToken  = "TELEGRAM_TOKEN"
	EnvTelegramChatID = "TELEGRAM_CHAT_ID"
)

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvKworkLogin)); v != "" {
		cfg.Kwork.Login = v
	}
	if v := getenv(EnvKworkPassword); v != "" {
		cfg.Kwork.Password = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramChatID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}

// ApplyDefaults fills omitted optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Tracker.Categories == nil {
		cfg.Tracker.Categories = append([]int(nil), DefaultCategories...)
	}
	if cfg.Tracker.PollInterval == "" {
		cfg.Tracker.PollInterval = "60"
	}
	if cfg.Tracker.MaxReplay == 0 {
		cfg.Tracker.MaxReplay = 50
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "file"
	}
	if strings.EqualFold(cfg.Storage.Driver, "file") && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = "./state.json"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks every field the runtime depends on and reports all problems
// at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if cfg.Telegram.ChatID == 0 {
		add("telegram.chat_id is required (or set %s)", EnvTelegramChatID)
	}
	if cfg.Telegram.ThreadID < 0 {
		add("telegram.thread_id must be >= 0")
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add("telegram.group_log: invalid chat id %q", g)
		}
	}
	if strings.TrimSpace(cfg.Kwork.Login) == "" {
		add("kwork.login is required (or set %s)", EnvKworkLogin)
	}
	if cfg.Kwork.Password == "" {
		add("kwork.password is required (or set %s)", EnvKworkPassword)
	}

	for _, c := range cfg.Tracker.Categories {
		if c <= 0 {
			add("tracker.categories: invalid category id %d", c)
			break
		}
	}
	base, err := ParseInterval("tracker.poll_interval", string(cfg.Tracker.PollInterval))
	if err != nil {
		errs = append(errs, err)
	}
	ceil, err := ParseInterval("tracker.max_poll_interval", string(cfg.Tracker.MaxPollInterval))
	if err != nil {
		errs = append(errs, err)
	}
	// An omitted ceiling is resolved by ParseDurations and never conflicts.
	if base > 0 && ceil > 0 && ceil < base {
		add("tracker.max_poll_interval (%s) must be >= poll_interval (%s)", ceil, base)
	}
	if cfg.Tracker.MaxReplay < 0 {
		add("tracker.max_replay must be >= 0")
	}

	if cfg.Notifier.RatePerSec < 0 {
		add("notifier.rate_per_sec must be >= 0")
	}
	if cfg.Notifier.RetryMax < 0 {
		add("notifier.retry_max must be >= 0")
	}

	durations := []struct{ path, raw string }{
		{"telegram.send_timeout", cfg.Telegram.SendTimeout},
		{"kwork.request_timeout", cfg.Kwork.RequestTimeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for driver %q", cfg.Storage.Driver)
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q (use file, sqlite or postgres)", cfg.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add("logging.telegram.enabled requires telegram.group_log")
	}

	return errors.Join(errs...)
}

// Durations are the parsed interval/timeout values of a validated config.
type Durations struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	SendTimeout     time.Duration
	RequestTimeout  time.Duration
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	BusyTimeout     time.Duration
}

// DefaultMaxPollInterval is the backoff ceiling when tracker.max_poll_interval
// is omitted. A longer poll_interval raises it to match.
const DefaultMaxPollInterval = 300 * time.Second

// ParseDurations converts the string fields of cfg. Zero means "use the
// component default", except MaxPollInterval which is always resolved.
func ParseDurations(cfg *Config) (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.PollInterval, err = ParseInterval("tracker.poll_interval", string(cfg.Tracker.PollInterval)); err != nil {
		return d, err
	}
	if d.MaxPollInterval, err = ParseInterval("tracker.max_poll_interval", string(cfg.Tracker.MaxPollInterval)); err != nil {
		return d, err
	}
	if d.MaxPollInterval == 0 {
		d.MaxPollInterval = max(DefaultMaxPollInterval, d.PollInterval)
	}
	if d.SendTimeout, err = ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout); err != nil {
		return d, err
	}
	if d.RequestTimeout, err = ParseDurationField("kwork.request_timeout", cfg.Kwork.RequestTimeout); err != nil {
		return d, err
	}
	if d.RetryBase, err = ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase); err != nil {
		return d, err
	}
	if d.RetryMaxDelay, err = ParseDurationField("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return d, err
	}
	return d, nil
}

// GroupLogChatID returns the parsed telegram.group_log, or 0 when unset.
func (c *Config) GroupLogChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.GroupLog), 10, 64)
	return id
}

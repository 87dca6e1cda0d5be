package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"token": "123:abc", "chat_id": -1001},
  "kwork": {"login": "user", "password": "secret"},
  "tracker": {"poll_interval": 90},
  "logging": {"level": "debug", "console": true}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestLoadJSONAppliesDefaults(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(cfg.Tracker.Categories, DefaultCategories) {
		t.Fatalf("categories = %v", cfg.Tracker.Categories)
	}
	d, err := ParseDurations(cfg)
	if err != nil {
		t.Fatalf("ParseDurations: %v", err)
	}
	if d.PollInterval != 90*time.Second || d.MaxPollInterval != 300*time.Second {
		t.Fatalf("intervals = %v / %v", d.PollInterval, d.MaxPollInterval)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != "./state.json" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Tracker.AnnounceOnInit {
		t.Fatal("announce_on_init must default to false")
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestOmittedCeilingFollowsLongPollInterval(t *testing.T) {
	body := strings.Replace(validJSON, `"poll_interval": 90`, `"poll_interval": 600`, 1)
	m := NewConfigManager(writeFile(t, "config.json", body))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracker.MaxPollInterval != "" {
		t.Fatalf("max_poll_interval = %q, want it left unset", cfg.Tracker.MaxPollInterval)
	}
	d, err := ParseDurations(cfg)
	if err != nil {
		t.Fatalf("ParseDurations: %v", err)
	}
	if d.PollInterval != 10*time.Minute || d.MaxPollInterval != 10*time.Minute {
		t.Fatalf("intervals = %v / %v", d.PollInterval, d.MaxPollInterval)
	}
}

func TestLoadYAML(t *testing.T) {
	body := `
telegram:
  token: "123:abc"
  chat_id: -1001
  thread_id: 7
kwork:
  login: user
  password: secret
tracker:
  categories: [41, 80]
  poll_interval: "@every 2m"
  max_poll_interval: "00:10"
  announce_on_init: true
storage:
  driver: sqlite
  path: ./state.db
logging:
  level: info
`
	m := NewConfigManager(writeFile(t, "config.yaml", body))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.ThreadID != 7 || !cfg.Tracker.AnnounceOnInit {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !slices.Equal(cfg.Tracker.Categories, []int{41, 80}) {
		t.Fatalf("categories = %v", cfg.Tracker.Categories)
	}
	d, _ := ParseDurations(cfg)
	if d.PollInterval != 2*time.Minute || d.MaxPollInterval != 10*time.Minute {
		t.Fatalf("intervals = %v / %v", d.PollInterval, d.MaxPollInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	body := `{"telegram": {}, "kwork": {}, "tracker": {}, "logging": {}}`
	m := NewConfigManager(writeFile(t, "config.json", body))
	env := map[string]string{
		EnvKworkLogin:     "envuser",
		EnvKworkPassword:  "envpass",
		EnvTelegramToken:  "999:xyz",
		EnvTelegramChatID: "-100500",
	}
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kwork.Login != "envuser" || cfg.Kwork.Password != "envpass" ||
		cfg.Telegram.Token != "999:xyz" || cfg.Telegram.ChatID != -100500 {
		t.Fatalf("env not applied: %+v", cfg)
	}

	env[EnvTelegramChatID] = "not-a-number"
	_, err = m.Load()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestLoadErrorsAreConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"missing credentials", "c.json", `{"telegram": {}, "kwork": {}}`, "telegram.token is required"},
		{"unknown field", "c.json", `{"telegram": {"token": "x", "chat_id": 1, "bogus": true}}`, "bogus"},
		{"trailing data", "c.json", validJSON + `{}`, "trailing data"},
		{"empty file", "c.json", "  \n", "empty"},
		{"bad interval", "c.json", strings.Replace(validJSON, `"poll_interval": 90`, `"poll_interval": "soon"`, 1), "tracker.poll_interval"},
		{"ceiling below base", "c.json", strings.Replace(validJSON, `"poll_interval": 90`, `"poll_interval": 600, "max_poll_interval": 60`, 1), "max_poll_interval"},
		{"bad driver", "c.json", strings.Replace(validJSON, `"logging"`, `"storage": {"driver": "redis"}, "logging"`, 1), "unknown driver"},
		{"postgres without dsn", "c.json", strings.Replace(validJSON, `"logging"`, `"storage": {"driver": "postgres"}, "logging"`, 1), "storage.dsn"},
		{"yaml multi doc", "c.yaml", "telegram: {}\n---\nkwork: {}\n", "multiple documents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.SetEnv(noEnv)
			_, err := m.Load()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}

	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := m.Load()
	var ce *ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err = %v", err)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"60", 60 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"2m30s", 150 * time.Second, false},
		{"00:05", 5 * time.Minute, false},
		{"01:30", 90 * time.Minute, false},
		{"@every 45s", 45 * time.Second, false},
		{"@hourly", 0, true},
		{"*/5 * * * *", 0, true},
		{"0", 0, true},
		{"00:61", 0, true},
		{"-5s", 0, true},
		{"soon", 0, true},
		{"9223372036", 9223372036 * time.Second, false},
		{"9223372037", 0, true},
		{"10000000000", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterval("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseInterval(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseInterval(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseIntervalRejectsOverflow(t *testing.T) {
	t.Parallel()
	_, err := ParseInterval("tracker.poll_interval", "10000000000")
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err = %v, want a too large error", err)
	}
}

func TestIntervalUnmarshal(t *testing.T) {
	t.Parallel()
	var v struct {
		A Interval `json:"a"`
		B Interval `json:"b"`
		C Interval `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 120, "b": " 2m ", "c": null}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A != "120" || v.B != "2m" || v.C != "" {
		t.Fatalf("got %+v", v)
	}
	if err := json.Unmarshal([]byte(`{"a": 1.5}`), &v); err == nil {
		t.Fatal("expected error for fractional seconds")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	base := &Config{
		Telegram: TelegramConfig{Token: "a", ChatID: 1},
		Tracker:  TrackerConfig{Categories: []int{41}},
		Logging:  LoggingConfig{Level: "info"},
	}

	logOnly := *base
	logOnly.Logging.Level = "debug"
	changed, _, restart := SummarizeConfigChange(base, &logOnly)
	if !slices.Equal(changed, []string{"logging"}) || len(restart) != 0 {
		t.Fatalf("logging change: changed=%v restart=%v", changed, restart)
	}

	moved := *base
	moved.Tracker = TrackerConfig{Categories: []int{41, 80}}
	moved.Telegram.Token = "b"
	changed, attrs, restart := SummarizeConfigChange(base, &moved)
	if !slices.Equal(changed, []string{"telegram", "tracker"}) || !slices.Equal(restart, changed) {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and not published.
	if err := os.WriteFile(path, []byte(`{"telegram": {}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	updated := strings.Replace(validJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}

func TestWatchHonoursValidator(t *testing.T) {
	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Telegram.ChatID != -1001 {
			return errors.New("chat moved")
		}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	moved := strings.Replace(validJSON, `"chat_id": -1001`, `"chat_id": -2002`, 1)
	if err := os.WriteFile(path, []byte(moved), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config published: %+v", cfg)
	default:
	}
	if got := m.Get().Telegram.ChatID; got != -1001 {
		t.Fatalf("committed chat_id = %d, want -1001", got)
	}

	updated := strings.Replace(validJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}

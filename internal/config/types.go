package config

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultCategories are the Kwork rubrics polled when tracker.categories is omitted.
var DefaultCategories = []int{41, 80, 40, 255, 81}

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Kwork    KworkConfig    `json:"kwork"`
	Tracker  TrackerConfig  `json:"tracker"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the destination chat (negative for groups/channels).
	ChatID int64 `json:"chat_id"`
	// ThreadID targets a forum topic; 0 for none.
	ThreadID int `json:"thread_id,omitempty"`
	// GroupLog is an optional chat id for the log sink (logging.telegram).
	GroupLog string `json:"group_log,omitempty"`
	// APIURL overrides the Bot API endpoint (local bot-api server).
	APIURL         string `json:"api_url,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// SendTimeout is a Go duration string (default "15s").
	SendTimeout string `json:"send_timeout,omitempty"`
}

type KworkConfig struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	BaseURL  string `json:"base_url,omitempty"`
	// RequestTimeout is a Go duration string (default "20s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// TrackerConfig controls the polling loop.
//
// Intervals accept integer seconds (60), Go durations ("90s", "2m"),
// HH:MM ("00:05" = 5 minutes), or "@every 1m".
//
// Defaults:
//   - categories: 41, 80, 40, 255, 81
//   - poll_interval: 60s
//   - max_poll_interval: 300s
//   - max_replay: 50
type TrackerConfig struct {
	Categories      []int    `json:"categories,omitempty"`
	PollInterval    Interval `json:"poll_interval,omitempty"`
	MaxPollInterval Interval `json:"max_poll_interval,omitempty"`
	// AnnounceOnInit sends the newest listing on first run instead of adopting it silently.
	AnnounceOnInit bool `json:"announce_on_init,omitempty"`
	MaxReplay      int  `json:"max_replay,omitempty"`
}

// NotifierConfig controls delivery pacing and per-message retry.
//
// All durations are Go duration strings. retry_max defaults to 0: a failed
// send aborts the batch and the tracker's backoff takes over.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// StorageConfig selects the watermark store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./state.json" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Interval is a poll interval as written in the config file. It accepts a
// bare JSON number (seconds) or a string; see ParseInterval.
type Interval string

func (iv *Interval) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*iv = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*iv = Interval(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return err
	}
	*iv = Interval(n.String())
	return nil
}

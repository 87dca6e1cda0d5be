package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	kit "kworkbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./kworkbot.log"

// Service owns the sinks. Apply swaps them atomically; loggers handed out
// earlier pick up the new root on their next call.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string
	tg       *telegramSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service and applies cfg. sender may be nil when Telegram
// logging is never enabled.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{tg: newTelegramSink(sender)}
	boot := zerolog.New(consoleWriter(Stdout())).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget sets the operator chat. chatID 0 disables the sink
// without touching the rest of the config.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.tg.setTarget(kit.ChatTarget{ChatID: chatID, ThreadID: threadID})
}

// Dropped reports Telegram log lines lost to a full queue.
func (s *Service) Dropped() uint64 { return s.tg.dropped.Load() }

// Apply rebuilds the sink set. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}

	var stale *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if s.file == nil || s.filePath != path {
			f, err := openLogFile(path)
			if err != nil {
				fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
			} else {
				stale, s.file, s.filePath = s.file, f, path
			}
		}
		if s.file != nil {
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	} else if s.file != nil {
		stale, s.file, s.filePath = s.file, nil, ""
	}

	s.tg.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		s.tg.start()
		writers = append(writers, s.tg)
		if !s.tg.hasTarget() {
			fmt.Fprintln(Stderr(), "logx: telegram logging enabled but telegram.group_log is not set")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Closed only after the new root is live.
	if stale != nil {
		_ = stale.Close()
	}
}

// Close flushes queued Telegram lines (bounded) and closes the log file.
func (s *Service) Close() error {
	s.tg.close(3 * time.Second)

	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	level := ParseLevel(s.cfg.Level, LevelInfo)
	boot := zerolog.New(consoleWriter(Stdout())).Level(level).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.mu.Unlock()

	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

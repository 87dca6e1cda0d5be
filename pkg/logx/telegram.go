package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "kworkbot/internal/transport"
)

const (
	telegramQueueSize = 256
	telegramMaxBytes  = 3500
	telegramSendLimit = 10 * time.Second
)

type telegramLine struct {
	to  kit.ChatTarget
	msg string
}

// telegramSink is a zerolog.LevelWriter that forwards lines at or above
// minLevel to the operator chat. Writes never block: lines over the rate or
// beyond the queue are dropped.
type telegramSink struct {
	sender kit.Sender
	queue  chan telegramLine

	mu       sync.Mutex
	target   kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	dropped atomic.Uint64
}

func newTelegramSink(sender kit.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan telegramLine, telegramQueueSize),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: LevelWarn,
		stop:     make(chan struct{}),
	}
}

func (t *telegramSink) configure(c TelegramConfig) {
	rps := max(1, c.RatePerSec)
	t.mu.Lock()
	t.minLevel = ParseLevel(c.MinLevel, LevelWarn)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if c.ThreadID != 0 {
		t.target.ThreadID = c.ThreadID
	}
	t.mu.Unlock()
}

func (t *telegramSink) setTarget(to kit.ChatTarget) {
	t.mu.Lock()
	t.target = to
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target.ChatID != 0
}

func (t *telegramSink) start() {
	if t.sender == nil {
		return
	}
	t.startOnce.Do(func() {
		done := make(chan struct{})
		t.mu.Lock()
		t.done = done
		t.mu.Unlock()
		go t.run(done)
	})
}

func (t *telegramSink) run(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-t.stop:
			return
		case line := <-t.queue:
			t.send(context.Background(), line)
		}
	}
}

func (t *telegramSink) send(parent context.Context, line telegramLine) {
	ctx, cancel := context.WithTimeout(parent, telegramSendLimit)
	defer cancel()
	if _, err := t.sender.SendText(ctx, line.to, line.msg, &kit.SendOptions{DisablePreview: true}); err != nil {
		fmt.Fprintf(Stderr(), "logx: telegram log send failed: %v\n", err)
	}
}

// close stops the worker and sends what is still queued until timeout.
func (t *telegramSink) close(timeout time.Duration) {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return
	}
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case line := <-t.queue:
			t.send(ctx, line)
		default:
			return
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(LevelInfo, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, lim, minLevel := t.target, t.limiter, t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegram(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, msg: msg}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

// formatTelegram turns a zerolog JSON line into
//
//	[WARN] message
//	- key=value
//
// with keys sorted and the stack (if any) last.
func formatTelegram(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), telegramMaxBytes)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	stack, _ := m["stack"].(string)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		switch k {
		case "time", "level", "message", "stack":
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), 600))
	}
	if stack != "" {
		b.WriteString("\n- stack=\n" + truncate(stack, 900))
	}
	return truncate(b.String(), telegramMaxBytes)
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	const ellipsis = "…"
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n - len(ellipsis)
	if cut <= 0 {
		return ellipsis
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

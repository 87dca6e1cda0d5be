package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"kworkbot/internal/eventbus"
	kit "kworkbot/internal/transport"
	logx "kworkbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNoTarget  = errors.New("notifier: destination chat is not configured")
	ErrEmptyText = errors.New("notifier: empty message")
)

const historySize = 100

// Service delivers messages one at a time: rate limit + timeout + retry.
//
// It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	sender  kit.Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	// Recent confirmed deliveries, reported at shutdown.
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		cfg:    cfg,
		// Burst 1: listings are spaced evenly instead of arriving in a clump.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 1 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return cfg
}

// Deliver sends text to the destination and returns once the transport has
// confirmed it. A cancelled ctx aborts pacing, the send itself, and any
// retry wait; the returned error then wraps ctx.Err().
//
// Besides the RetryMax retries, one flood-control rejection (an error
// carrying a retry-after hint) is waited out and retried.
func (s *Service) Deliver(ctx context.Context, text string) (kit.MessageRef, error) {
	cfg := s.cfg
	if cfg.Target.ChatID == 0 || s.sender == nil {
		return kit.MessageRef{}, ErrNoTarget
	}
	if strings.TrimSpace(text) == "" {
		return kit.MessageRef{}, ErrEmptyText
	}

	maxAttempts := 1 + cfg.RetryMax
	opt := &kit.SendOptions{DisablePreview: cfg.DisablePreview}

	var (
		lastErr      error
		floodRetried bool
		attempt      int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return kit.MessageRef{}, ctx.Err()
			}
			return kit.MessageRef{}, err
		}

		// Bound per-send call so a hung request can't wedge the loop.
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := s.sender.SendText(callCtx, cfg.Target, text, opt)
		cancel()
		if err == nil {
			s.appendHistory(ref.MessageID)
			if s.bus != nil {
				now := time.Now()
				s.bus.Publish(eventbus.Event{Type: "notifier.sent", Time: now, Data: NotificationEvent{
					ChatID: cfg.Target.ChatID, ThreadID: cfg.Target.ThreadID, MessageID: ref.MessageID, Attempts: attempt, At: now,
				}})
			}
			return ref, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return kit.MessageRef{}, ctx.Err()
		}
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			var ra kit.RetryAfterError
			if floodRetried || !errors.As(err, &ra) {
				break
			}
			floodRetried = true
			maxAttempts++
		}

		delay := retryDelay(cfg, attempt, err)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return kit.MessageRef{}, ctx.Err()
		}
	}

	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: "notifier.failed", Time: now, Data: NotificationEvent{
			ChatID: cfg.Target.ChatID, ThreadID: cfg.Target.ThreadID, Attempts: min(attempt, maxAttempts), At: now, Error: lastErr.Error(),
		}})
	}
	return kit.MessageRef{}, lastErr
}

// Snapshot returns the most recent confirmed deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(messageID int) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), MessageID: messageID})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int, err error) time.Duration {
	maxD := cfg.RetryMaxDelay

	// Server hint wins (bounded).
	var ra kit.RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > maxD {
			d = maxD
		}
		return d
	}

	// Exponential backoff: base * 2^(attempt-1)
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "kworkbot/pkg/logx"
)

// Event is an in-memory lifecycle signal (tracker cycles, deliveries).
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeTopics(buffer)
}

// SubscribeTopics subscribes to events whose Type starts with one of
// prefixes ("tracker." matches every tracker event). No prefix means all.
func (b *MemBus) SubscribeTopics(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// LogEvents writes every matching event to log at debug level until ctx is
// done. Failure events (type ending in ".failed" or "_failed") go to warn.
func LogEvents(ctx context.Context, b *MemBus, log logx.Logger, prefixes ...string) {
	ch, unsub := b.SubscribeTopics(64, prefixes...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fields := []logx.Field{
				logx.String("event", e.Type),
				logx.Time("at", e.Time),
				logx.Any("data", e.Data),
			}
			if strings.HasSuffix(e.Type, ".failed") || strings.HasSuffix(e.Type, "_failed") {
				log.Warn("event", fields...)
				continue
			}
			log.Debug("event", fields...)
		}
	}
}

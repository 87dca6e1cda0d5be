package tracker

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"kworkbot/internal/eventbus"
	"kworkbot/internal/format"
	"kworkbot/internal/marketplace"
	"kworkbot/internal/storage"
	kit "kworkbot/internal/transport"
	logx "kworkbot/pkg/logx"
)

const (
	DefaultPollInterval    = 60 * time.Second
	DefaultMaxPollInterval = 300 * time.Second
	DefaultMaxReplay       = 50
	defaultSaveTimeout     = 10 * time.Second
)

// Marketplace supplies the listing feed, newest first.
type Marketplace interface {
	FetchListings(ctx context.Context, categories []int) ([]marketplace.Listing, error)
}

// Deliverer sends one message and returns only after the transport confirmed it.
type Deliverer interface {
	Deliver(ctx context.Context, text string) (kit.MessageRef, error)
}

type Config struct {
	// Key identifies the watermark record (one per destination).
	Key        string
	Categories []int

	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// AnnounceOnInit sends the newest listing when no watermark exists instead
	// of adopting it silently.
	AnnounceOnInit bool

	// MaxReplay bounds how many listings one cycle delivers when the watermark
	// is missing from the fetched window. Older ones are skipped.
	MaxReplay int

	// SaveTimeout bounds persisting a confirmed delivery, which runs even if the
	// loop is being cancelled.
	SaveTimeout time.Duration
}

type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseSteady        Phase = "STEADY"
	PhaseBackoff       Phase = "BACKOFF"
)

// Snapshot is a point-in-time view of the loop, safe to read from any goroutine.
type Snapshot struct {
	Phase        Phase
	Watermark    int64
	HasWatermark bool
	Cycle        uint64
	Failures     int
	NextSleep    time.Duration
	LastCycleAt  time.Time
	LastError    string
}

// CycleReport summarizes one fetch-diff-deliver iteration.
type CycleReport struct {
	Cycle       uint64
	StartedAt   time.Time
	Fetched     int
	Unseen      int
	Skipped     int
	Delivered   int
	Initialized bool
	Watermark   int64
	// NextSleep is the delay chosen by the backoff state after this cycle.
	NextSleep time.Duration
}

type Option func(*Tracker)

func WithLogger(log logx.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithFormatter(f func(marketplace.Listing) string) Option {
	return func(t *Tracker) { t.format = f }
}

// WithCycleHook is called after every cycle (success or failure), before the sleep.
func WithCycleHook(fn func(CycleReport, error)) Option {
	return func(t *Tracker) { t.onCycle = fn }
}

// Tracker is the polling loop. Run drives it; RunCycle performs one iteration.
// Only one cycle executes at a time.
type Tracker struct {
	cfg    Config
	market Marketplace
	out    Deliverer
	store  storage.Store

	log     logx.Logger
	bus     eventbus.Bus
	clock   Clock
	format  func(marketplace.Listing) string
	onCycle func(CycleReport, error)

	cycleMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	loaded    bool
	watermark int64
	hasMark   bool
	cycle     uint64
	backoff   *Backoff
	lastAt    time.Time
	lastErr   string
}

func New(cfg Config, market Marketplace, out Deliverer, store storage.Store, opts ...Option) (*Tracker, error) {
	if market == nil {
		return nil, errors.New("tracker: marketplace is nil")
	}
	if out == nil {
		return nil, errors.New("tracker: deliverer is nil")
	}
	if store == nil {
		return nil, errors.New("tracker: store is nil")
	}
	cfg.Key = strings.TrimSpace(cfg.Key)
	if cfg.Key == "" {
		cfg.Key = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = DefaultMaxPollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.MaxReplay <= 0 {
		cfg.MaxReplay = DefaultMaxReplay
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	cfg.Categories = slices.Clone(cfg.Categories)

	t := &Tracker{
		cfg:     cfg,
		market:  market,
		out:     out,
		store:   store,
		clock:   SystemClock{},
		format:  format.Message,
		phase:   PhaseUninitialized,
		backoff: NewBackoff(cfg.PollInterval, cfg.MaxPollInterval),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.String("comp", "tracker"))
	return t, nil
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Cycle failures
// are logged and folded into backoff; they never end the loop.
func (t *Tracker) Run(ctx context.Context) error {
	t.log.Info("tracker started",
		logx.String("key", t.cfg.Key),
		logx.Ints("categories", t.cfg.Categories),
		logx.Duration("interval", t.cfg.PollInterval),
		logx.Duration("max_interval", t.cfg.MaxPollInterval),
		logx.Bool("announce_on_init", t.cfg.AnnounceOnInit),
	)
	for {
		rep, _ := t.RunCycle(ctx)
		if err := ctx.Err(); err != nil {
			t.log.Info("tracker stopped", logx.Uint64("cycles", rep.Cycle))
			return err
		}
		if err := t.clock.Sleep(ctx, rep.NextSleep); err != nil {
			t.log.Info("tracker stopped", logx.Uint64("cycles", rep.Cycle))
			return err
		}
	}
}

// RunCycle performs one fetch-diff-deliver iteration and updates the backoff
// state. A cancelled ctx returns ctx.Err() without counting as a failure.
func (t *Tracker) RunCycle(ctx context.Context) (CycleReport, error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	t.mu.Lock()
	t.cycle++
	rep := CycleReport{Cycle: t.cycle, StartedAt: t.clock.Now()}
	t.mu.Unlock()

	err := t.cycleOnce(ctx, &rep)
	t.finish(ctx, &rep, err)
	if t.onCycle != nil {
		t.onCycle(rep, err)
	}
	return rep, err
}

func (t *Tracker) cycleOnce(ctx context.Context, rep *CycleReport) error {
	log := t.log.With(logx.Uint64("cycle", rep.Cycle))

	wm, ok, err := t.loadWatermark(ctx)
	if err != nil {
		return err
	}
	rep.Watermark = wm

	listings, err := t.market.FetchListings(ctx, t.cfg.Categories)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FetchError{Categories: t.cfg.Categories, Err: err}
	}
	rep.Fetched = len(listings)
	if len(listings) == 0 {
		log.Info("No projects found", logx.String("categories", joinCategories(t.cfg.Categories)))
		return nil
	}

	if !ok {
		return t.initialize(ctx, log, rep, listings[0])
	}

	unseen, found := collectUnseen(listings, wm)
	rep.Unseen = len(unseen)
	if len(unseen) == 0 {
		log.Debug("no new listings", logx.Int64("watermark", wm), logx.Int("fetched", len(listings)))
		return nil
	}
	if !found && len(unseen) > t.cfg.MaxReplay {
		rep.Skipped = len(unseen) - t.cfg.MaxReplay
		unseen = unseen[:t.cfg.MaxReplay]
		log.Warn("watermark not in feed window; replay capped",
			logx.Int64("watermark", wm),
			logx.Int("kept", len(unseen)),
			logx.Int("skipped", rep.Skipped),
		)
		t.publish("tracker.replay_capped", ReplayCappedEvent{
			Cycle: rep.Cycle, Watermark: wm, Kept: len(unseen), Skipped: rep.Skipped,
		})
	} else if !found {
		log.Warn("watermark not in feed window; replaying fetched set",
			logx.Int64("watermark", wm), logx.Int("count", len(unseen)))
	}

	slices.Reverse(unseen)
	for _, l := range unseen {
		if err := t.deliver(ctx, log, rep, l); err != nil {
			return err
		}
		rep.Delivered++
	}
	log.Info("cycle delivered listings",
		logx.Int("delivered", rep.Delivered),
		logx.Int64("watermark", rep.Watermark),
	)
	return nil
}

// initialize handles the first successful fetch with no watermark: silent
// adoption of the newest id, or announcing it when configured.
func (t *Tracker) initialize(ctx context.Context, log logx.Logger, rep *CycleReport, newest marketplace.Listing) error {
	if t.cfg.AnnounceOnInit {
		if err := t.deliver(ctx, log, rep, newest); err != nil {
			return err
		}
		rep.Delivered++
	} else if err := t.persist(ctx, newest.ID); err != nil {
		return err
	}
	rep.Initialized = true
	rep.Watermark = newest.ID
	log.Info("watermark initialized",
		logx.Int64("watermark", newest.ID),
		logx.Bool("announced", t.cfg.AnnounceOnInit),
	)
	t.publish("tracker.initialized", InitializedEvent{
		Cycle: rep.Cycle, Watermark: newest.ID, Announced: t.cfg.AnnounceOnInit,
	})
	return nil
}

func (t *Tracker) deliver(ctx context.Context, log logx.Logger, rep *CycleReport, l marketplace.Listing) error {
	text := t.format(l)
	started := t.clock.Now()
	ref, err := t.out.Deliver(ctx, text)
	took := t.clock.Now().Sub(started)
	if err != nil {
		t.journal(ctx, rep.Cycle, l.ID, took, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &SendError{ListingID: l.ID, Err: err}
	}

	// The message is out; record it even if shutdown started meanwhile.
	if err := t.persist(ctx, l.ID); err != nil {
		return err
	}
	rep.Watermark = l.ID
	t.journal(ctx, rep.Cycle, l.ID, took, nil)
	log.Debug("listing delivered", logx.Int64("listing_id", l.ID), logx.Int("message_id", ref.MessageID))
	t.publish("tracker.delivered", DeliveredEvent{
		Cycle: rep.Cycle, ListingID: l.ID, MessageID: ref.MessageID,
	})
	return nil
}

func (t *Tracker) persist(ctx context.Context, id int64) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.SaveTimeout)
	defer cancel()
	if err := t.store.SaveWatermark(sctx, t.cfg.Key, id); err != nil {
		return &StoreError{Op: "save", Key: t.cfg.Key, Err: err}
	}
	t.mu.Lock()
	t.watermark, t.hasMark, t.loaded = id, true, true
	t.mu.Unlock()
	return nil
}

// loadWatermark reads the store once and serves the cached value afterwards.
func (t *Tracker) loadWatermark(ctx context.Context) (int64, bool, error) {
	t.mu.Lock()
	if t.loaded {
		wm, ok := t.watermark, t.hasMark
		t.mu.Unlock()
		return wm, ok, nil
	}
	t.mu.Unlock()

	wm, ok, err := t.store.LoadWatermark(ctx, t.cfg.Key)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, false, &StoreError{Op: "load", Key: t.cfg.Key, Err: err}
	}
	t.mu.Lock()
	t.watermark, t.hasMark, t.loaded = wm, ok, true
	t.mu.Unlock()
	if ok {
		t.log.Info("watermark loaded", logx.Int64("watermark", wm))
	} else {
		t.log.Info("no watermark; initializing from the next fetch")
	}
	return wm, ok, nil
}

func (t *Tracker) journal(ctx context.Context, cycle uint64, id int64, took time.Duration, sendErr error) {
	e := storage.DeliveryEntry{
		At:        t.clock.Now(),
		Key:       t.cfg.Key,
		ListingID: id,
		Cycle:     cycle,
		OK:        sendErr == nil,
		TookMS:    took.Milliseconds(),
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.SaveTimeout)
	defer cancel()
	if err := t.store.AppendDelivery(jctx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		t.log.Warn("delivery journal append failed", logx.Int64("listing_id", id), logx.Err(err))
	}
}

func (t *Tracker) finish(ctx context.Context, rep *CycleReport, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = rep.StartedAt

	switch {
	case err == nil:
		rep.NextSleep = t.backoff.Success()
		t.phase = PhaseSteady
		t.lastErr = ""
	case ctx.Err() != nil:
		rep.NextSleep = t.backoff.Current()
		return
	default:
		rep.NextSleep = t.backoff.Failure()
		t.phase = PhaseBackoff
		t.lastErr = err.Error()

		fields := []logx.Field{
			logx.Uint64("cycle", rep.Cycle),
			logx.String("categories", joinCategories(t.cfg.Categories)),
			logx.Int("failures", t.backoff.Failures()),
			logx.Duration("next_sleep", rep.NextSleep),
			logx.Err(err),
		}
		var se *SendError
		if errors.As(err, &se) {
			fields = append(fields, logx.Int64("listing_id", se.ListingID))
		}
		t.log.Error("cycle failed", fields...)
		t.publishLocked("tracker.cycle_failed", CycleFailedEvent{
			Cycle: rep.Cycle, Failures: t.backoff.Failures(), NextSleep: rep.NextSleep, Error: err.Error(),
		})
	}
}

// State returns a snapshot of the loop.
func (t *Tracker) State() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Phase:        t.phase,
		Watermark:    t.watermark,
		HasWatermark: t.hasMark,
		Cycle:        t.cycle,
		Failures:     t.backoff.Failures(),
		NextSleep:    t.backoff.Current(),
		LastCycleAt:  t.lastAt,
		LastError:    t.lastErr,
	}
}

func (t *Tracker) publish(typ string, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishLocked(typ, data)
}

func (t *Tracker) publishLocked(typ string, data any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Time: t.clock.Now(), Data: data})
}

// collectUnseen scans newest to oldest and returns the listings before the
// watermark, newest first. found reports whether the watermark was in the feed.
func collectUnseen(listings []marketplace.Listing, watermark int64) (unseen []marketplace.Listing, found bool) {
	for i, l := range listings {
		if l.ID == watermark {
			return slices.Clone(listings[:i]), true
		}
	}
	return slices.Clone(listings), false
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kworkbot/internal/config"
	"kworkbot/internal/eventbus"
	"kworkbot/internal/marketplace"
	"kworkbot/internal/notifier"
	"kworkbot/internal/runtime/supervisor"
	"kworkbot/internal/storage"
	"kworkbot/internal/tracker"
	telegram "kworkbot/internal/transport/telegram/adapter"
	logx "kworkbot/pkg/logx"
)

// ErrStopped is returned by Start once Stop has run.
var ErrStopped = errors.New("app stopped")

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sd   *sdNotifier

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	market  *marketplace.Client
	tracker *tracker.Tracker

	// stall is how long the tracker may go without finishing a cycle before
	// the systemd watchdog stops being fed.
	stall time.Duration

	stopOnce sync.Once
	stopped  atomic.Bool
	stopErr  error
}

// NewApp loads the config and wires every component. Configuration problems
// are returned as *config.ConfigError.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	d, err := config.ParseDurations(cfg)
	if err != nil {
		return nil, &config.ConfigError{Path: cfgPath, Err: err}
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(mapTelegramConfig(cfg, d), bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging stays off until the target is set, otherwise Apply
	// warns about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID := cfg.GroupLogChatID(); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)

	instance := uuid.NewString()
	log = log.With(logx.String("instance", instance))
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg, d), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	market, err := marketplace.New(mapMarketplaceConfig(cfg, d), log.With(logx.String("comp", "kwork")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	notif := notifier.New(mapNotifierConfig(cfg, d), ad, log.With(logx.String("comp", "notifier")), bus)

	a := &App{
		cfgm:    cfgm,
		sd:      newSdNotifier(appLog.With(logx.String("comp", "systemd"))),
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		market:  market,
		stall:   2*d.MaxPollInterval + 5*time.Minute,
	}

	tcfg := mapTrackerConfig(cfg, d)
	tr, err := tracker.New(tcfg, market, notif, store,
		tracker.WithLogger(log),
		tracker.WithBus(bus),
		tracker.WithCycleHook(func(tracker.CycleReport, error) { a.sd.Beat() }),
	)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.tracker = tr

	appLog.Info("app configured",
		logx.String("destination", tcfg.Key),
		logx.String("storage", mapStorageConfig(cfg, d).Driver),
		logx.Bool("announce_on_init", tcfg.AnnounceOnInit),
	)
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal goroutine error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// State returns the tracker snapshot.
func (a *App) State() tracker.Snapshot { return a.tracker.State() }

func (a *App) Start(ctx context.Context) error {
	if a.stopped.Load() {
		return ErrStopped
	}
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(destinationGuard(a.cfgm.Get))

	a.sup.Go0("eventbus.log", func(c context.Context) {
		eventbus.LogEvents(c, a.bus, a.log.With(logx.String("comp", "events")))
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.GoRestart("tracker.loop", a.tracker.Run, time.Second, 30*time.Second)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.Keepalive(c, a.stall)
	})

	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// reloadLoop applies logging changes live. Everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the latest matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			changed, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if len(restart) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}

			a.logs.SetTelegramTarget(newCfg.GroupLogChatID(), newCfg.Logging.Telegram.ThreadID)
			a.logs.Apply(mapLogConfig(newCfg))

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Stop shuts down the loop and closes external sessions. The marketplace
// session is closed even when Start was never called or the loop failed.
// Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		a.stopErr = a.stop(ctx, reason)
	})
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	var firstErr error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// Steps run on a detached ctx: the caller's may already be cancelled
		// by the signal, and logout must still be attempted.
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 5*time.Second, func(c context.Context) error {
			_ = a.sup.Wait(c)
			return c.Err()
		})
	}

	step("marketplace", 5*time.Second, a.market.Close)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	st := a.tracker.State()
	fields := []logx.Field{
		logx.String("phase", string(st.Phase)),
		logx.Uint64("cycles", st.Cycle),
	}
	if st.HasWatermark {
		fields = append(fields, logx.Int64("watermark", st.Watermark))
	}
	if sent := a.notif.Snapshot(); len(sent) > 0 {
		last := sent[len(sent)-1]
		fields = append(fields,
			logx.Int("recent_deliveries", len(sent)),
			logx.Int("last_message_id", last.MessageID),
			logx.Time("last_delivery_at", last.At),
		)
	}
	if a.sup != nil {
		fields = append(fields, logx.Any("goroutines", a.sup.Snapshot()))
	}
	a.log.Info("stopped", fields...)
	_ = a.logs.Close()
	return firstErr
}

package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "kworkbot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Outside a Type=notify unit
// every call is a no-op (SdNotify returns false, nil).
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)

	// watchdog is the WatchdogSec interval, 0 when disabled.
	watchdog time.Duration
	// lastBeat is the unix-nano time of the last tracker cycle.
	lastBeat atomic.Int64
}

func newSdNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if wd, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else {
		n.watchdog = wd
	}
	n.lastBeat.Store(time.Now().UnixNano())
	return n
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Beat records tracker progress and pings the watchdog.
func (n *sdNotifier) Beat() {
	n.lastBeat.Store(time.Now().UnixNano())
	if n.watchdog > 0 {
		n.send(daemon.SdNotifyWatchdog)
	}
}

// healthy reports whether the tracker made progress within stall.
func (n *sdNotifier) healthy(stall time.Duration) bool {
	return time.Since(time.Unix(0, n.lastBeat.Load())) <= stall
}

// Keepalive pings the watchdog between cycles while the tracker is making
// progress. Poll intervals are usually longer than WatchdogSec, so cycle
// beats alone would let systemd kill a healthy process. A tracker that has
// not finished a cycle within stall stops being vouched for.
func (n *sdNotifier) Keepalive(ctx context.Context, stall time.Duration) {
	if n.watchdog <= 0 {
		return
	}
	t := time.NewTicker(n.watchdog / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n.healthy(stall) {
				n.send(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("tracker stalled; withholding watchdog ping", logx.Duration("stall", stall))
			}
		}
	}
}

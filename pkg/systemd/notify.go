// Package systemd reports service state to the systemd manager over the
// sd_notify socket. Every call is a no-op outside a systemd unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "cinebot/pkg/logx"
)

// Notifier sends sd_notify states. The zero value is ready to use.
type Notifier struct {
	Log logx.Logger

	// notify is replaced in tests.
	notify func(state string) (bool, error)
	// watchdog reports the configured WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func (n *Notifier) send(state string) bool {
	fn := n.notify
	if fn == nil {
		fn = func(s string) (bool, error) { return daemon.SdNotify(false, s) }
	}
	sent, err := fn(state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready tells systemd that startup finished (Type=notify units).
func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) bool { return n.send("STATUS=" + s) }

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) {
	wd := n.watchdog
	if wd == nil {
		wd = func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }
	}
	every, err := wd()
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

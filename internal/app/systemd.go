package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "patchwatch/pkg/logx"
)

// sdNotifyFunc sends one sd_notify state. It reports false when not running
// under systemd.
type sdNotifyFunc func(state string) (bool, error)

func systemdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// systemdLoop reports READY once ready is closed and then pings the watchdog
// every interval (0 disables pings) until ctx is done.
func systemdLoop(ctx context.Context, notify sdNotifyFunc, ready <-chan struct{}, interval time.Duration, status func() string, log logx.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-ready:
	}
	ok, err := notify(daemon.SdNotifyReady + "\nSTATUS=watching")
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !ok {
		log.Debug("not running under systemd; notifications off")
		return
	}
	log.Info("systemd notified ready", logx.Duration("watchdog", interval))
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := notify(daemon.SdNotifyWatchdog + "\nSTATUS=" + status()); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}

const daemonStopping = daemon.SdNotifyStopping

// Package systemd talks to the service manager over the notify socket.
// Every call is a no-op returning (false, nil) when NOTIFY_SOCKET is unset.
package systemd

import (
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready reports startup completion (Type=notify units).
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Watchdog pings the unit watchdog (WatchdogSec=).
func Watchdog() (bool, error) { return notify(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	return notify("STATUS=" + s)
}

// WatchdogInterval returns the configured watchdog interval, or 0 when the
// watchdog is not enabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

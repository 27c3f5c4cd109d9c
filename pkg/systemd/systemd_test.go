package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestNotifyWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if sent {
		t.Fatal("nothing should be sent without NOTIFY_SOCKET")
	}
}

func TestNotifyWritesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	for _, tc := range []struct {
		send func() (bool, error)
		want string
	}{
		{Ready, "READY=1"},
		{Watchdog, "WATCHDOG=1"},
		{func() (bool, error) { return Status("sweeping\nnow") }, "STATUS=sweeping now"},
		{Stopping, "STOPPING=1"},
	} {
		sent, err := tc.send()
		if err != nil || !sent {
			t.Fatalf("send %q: sent=%v err=%v", tc.want, sent, err)
		}
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
}

func TestWatchdogIntervalDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("got %v", d)
	}
}

package activation

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestActivatedFDs(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		want    int
		wantErr bool
	}{
		{name: "no environment", pid: "", fds: "", want: 0},
		{name: "other process", pid: "99999999", fds: "1", want: 0},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "not-a-number", wantErr: true},
		{name: "missing fds", pid: self, fds: "", want: 0},
		{name: "zero fds", pid: self, fds: "0", want: 0},
		{name: "two fds", pid: self, fds: "2", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			got, err := activatedFDs()
			if (err != nil) != tt.wantErr {
				t.Fatalf("activatedFDs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("activatedFDs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListeners_NoActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners, got %v", listeners)
	}
}

func TestListeners_InheritedSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	defer func() {
		_ = file.Close()
	}()

	// Listeners takes ownership of the passed descriptor
	fd, err := syscall.Dup(int(file.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}

	orig := listenFDsStart
	listenFDsStart = fd
	defer func() { listenFDsStart = orig }()

	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "1")
	t.Setenv("LISTEN_FDNAMES", "webhook")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if len(listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(listeners))
	}
	defer func() {
		_ = listeners[0].Close()
	}()

	if listeners[0].Addr().String() != ln.Addr().String() {
		t.Errorf("expected addr %s, got %s", ln.Addr(), listeners[0].Addr())
	}
	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		if _, ok := os.LookupEnv(key); ok {
			t.Errorf("expected %s to be unset", key)
		}
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, err := Listen("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Errorf("expected TCP listener, got %T", ln.Addr())
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	if _, err := Listen("not-an-address", testLogger()); err == nil {
		t.Error("expected error for invalid address, got nil")
	}
}

func TestListen_InvalidActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "garbage")
	t.Setenv("LISTEN_FDS", "1")

	if _, err := Listen("127.0.0.1:0", testLogger()); err == nil {
		t.Error("expected error for invalid LISTEN_PID, got nil")
	}
}

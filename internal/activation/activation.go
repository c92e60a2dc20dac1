// Package activation provides the listening socket for the webhook server,
// preferring a socket handed over by systemd socket activation.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor systemd passes (after stdin,
// stdout and stderr).
var listenFDsStart = 3

// Listen returns the socket the webhook server should accept on. A socket
// passed by systemd wins; otherwise a TCP listener is opened on addr.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}

	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			logger.Warn("ignoring additional activated socket", "addr", extra.Addr().String())
			_ = extra.Close()
		}
		logger.Info("using systemd socket activation", "addr", listeners[0].Addr().String())
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Listeners returns the sockets passed via LISTEN_PID and LISTEN_FDS, or nil
// when the process was not socket activated.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("invalid file descriptor %d", fd)
		}

		ln, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("fd %d is not a listening socket: %w", fd, err)
		}
		listeners = append(listeners, ln)
	}

	// Child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs returns the number of descriptors systemd passed to this
// process.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}

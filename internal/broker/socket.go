package broker

// socket.go – socket path resolution and listener setup.
//
// The broker binds $XDG_RUNTIME_DIR/clippy/broker.sock.  There is no
// fallback when XDG_RUNTIME_DIR is unset: a silent fallback would land the
// socket in a world-writable location, and filesystem permissions are the
// only authentication this protocol has.

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SocketName is the socket filename inside the runtime subdirectory.
const SocketName = "broker.sock"

// RuntimeSubdir is the per-user subdirectory under XDG_RUNTIME_DIR.
const RuntimeSubdir = "clippy"

// SocketPath resolves the broker socket path from the environment.
// CLIPPY_SOCKET overrides the XDG-derived default, mainly for tests.
func SocketPath() (string, error) {
	if env := os.Getenv("CLIPPY_SOCKET"); env != "" {
		return env, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set; refusing to place the broker socket in a world-writable location")
	}
	return filepath.Join(runtimeDir, RuntimeSubdir, SocketName), nil
}

// Listen binds the broker socket, creating the parent directory with mode
// 0700.  A stale socket file left by a dead broker is unlinked and rebound;
// a live one is a hard error.
func Listen(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	// MkdirAll leaves an existing directory's mode alone; tighten it.
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", dir, err)
	}

	l, err := net.Listen("unix", socketPath)
	if err == nil {
		return l, nil
	}

	// Bind failed: probe whether the existing endpoint is live before
	// touching it.
	if probeLive(socketPath) {
		return nil, fmt.Errorf("broker already running on %s", socketPath)
	}
	if rmErr := os.Remove(socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, rmErr)
	}
	l, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	return l, nil
}

// probeLive reports whether something accepts connections on socketPath.
func probeLive(socketPath string) bool {
	c, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

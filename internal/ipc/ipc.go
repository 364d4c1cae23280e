// Package ipc locates and opens the datactl local socket.
//
// The server listens on one local socket and serves both the line protocol
// and gRPC on it. CLI commands dial the same path.
//
//   - Linux:   $XDG_RUNTIME_DIR/datactl.sock, else $TMPDIR/datactl.sock
//   - macOS:   $TMPDIR/datactl.sock
//   - Windows: \\.\pipe\datactl
//
// $DATACTL_SOCKET overrides the path on every platform.
package ipc

import (
	"context"
	"errors"
	"net"
	"os"
)

// EnvSocket overrides the socket path.
const EnvSocket = "DATACTL_SOCKET"

// SocketPath returns the socket path for this platform.
func SocketPath() string {
	if s := os.Getenv(EnvSocket); s != "" {
		return s
	}
	return socketPath()
}

// Listen listens on path. A stale socket left by a crashed server is
// removed; a live one is an error.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, errors.New("ipc: another server is listening on " + path)
	}
	return listen(path)
}

// IsRunning reports whether something accepts connections on path.
func IsRunning(path string) bool {
	c, err := dial(context.Background(), path)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Dialer returns a dial function for path, for use with
// grpc.WithContextDialer or a plain net.Conn client.
func Dialer(path string) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return dial(ctx, path)
	}
}

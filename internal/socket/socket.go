// Package socket manages the Unix control socket between the recurse
// daemon and the CLI.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

var (
	// ErrAddressInUse is returned when another process is already accepting
	// on the socket path.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNotRunning is returned when the daemon cannot be reached and its
	// process is not in the process table.
	ErrNotRunning = errors.New("daemon not running")
)

// How long after creation a Socket keeps retrying connections without
// consulting the process table. Covers a daemon that was just forked and
// has not shown up there yet.
const _startupGrace = 2 * time.Second

// Config controls connection retries and socket file permissions.
type Config struct {
	// StartupTimeout bounds how long Connect waits for the daemon.
	StartupTimeout time.Duration
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
	// Permissions is the mode set on the socket file after listening.
	Permissions os.FileMode
	// ProcessName is the daemon executable name looked for in the
	// process table while retrying.
	ProcessName string
}

// DefaultConfig returns the configuration used by the recurse CLI.
func DefaultConfig() *Config {
	return &Config{
		StartupTimeout: 5 * time.Second,
		RetryInterval:  250 * time.Millisecond,
		Permissions:    defaultPermissions(),
		ProcessName:    "recursed",
	}
}

// Socket connects to or listens on the daemon control socket.
type Socket struct {
	cfg     *Config
	proc    ProcessChecker
	created time.Time
}

// New returns a Socket with the given configuration. A nil cfg means
// DefaultConfig.
func New(cfg *Config, checker ProcessChecker) *Socket {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Socket{cfg: cfg, proc: checker, created: time.Now()}
}

// ConnectContext dials the daemon socket at path with default settings.
func ConnectContext(ctx context.Context, path string) (net.Conn, error) {
	return New(nil, DefaultProcessChecker{}).Connect(ctx, path)
}

// Listen opens a listener on the daemon socket at path with default
// settings.
func Listen(path string) (net.Listener, error) {
	return New(nil, DefaultProcessChecker{}).Listen(path)
}

// Connect dials the daemon socket, retrying while the daemon may still be
// starting up. It returns ErrNotRunning once the startup timeout passes,
// or the context error if ctx is done first.
func (s *Socket) Connect(ctx context.Context, path string) (net.Conn, error) {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		if !s.canRetry(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Listen opens a listener on path, creating the parent directory and
// reclaiming a stale socket file left by a previous run. It returns
// ErrAddressInUse when another process is accepting on the path.
func (s *Socket) Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := reclaimPath(path); err != nil {
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on socket: %w", err)
	}
	if err := os.Chmod(path, s.cfg.Permissions); err != nil {
		l.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return l, nil
}

func (s *Socket) canRetry(deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	if time.Since(s.created) < _startupGrace {
		return true
	}
	return s.proc.IsRunning(s.cfg.ProcessName)
}

// reclaimPath removes a leftover socket file, but only if nothing is
// accepting on it.
func reclaimPath(path string) error {
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return ErrAddressInUse
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Platforms with peer credential support get a world-writable socket;
// elsewhere access is restricted to the owner.
func defaultPermissions() os.FileMode {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
		return 0o666
	default:
		return 0o600
	}
}

package iterator

import (
	"errors"
	"net"

	"github.com/lc/recurse/internal/hints"
)

// EnvConfig carries the settings an Env is built from.
type EnvConfig struct {
	// MaxRestarts bounds CNAME-driven query restarts. The primary cheap
	// guard against CNAME loops.
	MaxRestarts int
	// MaxReferrals bounds followed delegation referrals.
	MaxReferrals int
	// MaxDepth bounds the nesting of dependent sub-resolutions.
	MaxDepth int
	// TargetFetch is how many nameserver address lookups one resolution
	// may have in flight. Zero disables target fetching.
	TargetFetch int
	// Forward, when non-empty, switches every query onto the forwarder
	// path aimed at this upstream address.
	Forward string
	// Hints supplies the root servers used for priming. Nil selects the
	// compiled-in defaults.
	Hints *hints.Hints
}

// Env is the process-wide iterator environment shared by every resolution of
// one resolver instance. It is immutable after NewEnv and needs no
// synchronization.
type Env struct {
	maxRestarts  int
	maxReferrals int
	maxDepth     int
	targetFetch  int
	forward      string
	hints        *hints.Hints
}

// NewEnv validates cfg and builds the shared environment.
func NewEnv(cfg EnvConfig) (*Env, error) {
	if cfg.MaxRestarts < 1 {
		return nil, errors.New("max restarts must be at least 1")
	}
	if cfg.MaxDepth < 1 {
		return nil, errors.New("max depth must be at least 1")
	}
	if cfg.MaxReferrals < 1 {
		return nil, errors.New("max referrals must be at least 1")
	}
	if cfg.TargetFetch < 0 {
		return nil, errors.New("target fetch cannot be negative")
	}
	fwd := cfg.Forward
	if fwd != "" {
		if _, _, err := net.SplitHostPort(fwd); err != nil {
			fwd = net.JoinHostPort(fwd, "53")
		}
	}
	h := cfg.Hints
	if h == nil {
		h = hints.Default()
	}
	return &Env{
		maxRestarts:  cfg.MaxRestarts,
		maxReferrals: cfg.MaxReferrals,
		maxDepth:     cfg.MaxDepth,
		targetFetch:  cfg.TargetFetch,
		forward:      fwd,
		hints:        h,
	}, nil
}

// Forwarding reports whether the environment relays to a fixed upstream.
func (e *Env) Forwarding() bool { return e.forward != "" }

// Close tears down the environment.
func (e *Env) Close() {
	e.hints = nil
}

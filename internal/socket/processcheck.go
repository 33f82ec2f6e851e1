package socket

import (
	"strings"

	"github.com/mitchellh/go-ps"
)

// ProcessChecker reports whether a named process is running.
type ProcessChecker interface {
	IsRunning(name string) bool
}

var _ ProcessChecker = DefaultProcessChecker{}

// DefaultProcessChecker scans the OS process table.
type DefaultProcessChecker struct{}

// IsRunning reports whether any process executable name starts with name,
// compared case-insensitively. The prefix match tolerates truncated names
// in the process table.
func (DefaultProcessChecker) IsRunning(name string) bool {
	procs, err := ps.Processes()
	if err != nil {
		return false
	}
	name = strings.ToLower(name)
	for _, p := range procs {
		if strings.HasPrefix(strings.ToLower(p.Executable()), name) {
			return true
		}
	}
	return false
}

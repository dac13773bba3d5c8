//go:build !linux && !windows

package native

import (
	"os"
	"syscall"
)

// ProcessExists reports whether pid names a live process.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// LoadedModules is not available on this platform; callers skip the
// managed-module check when they see ErrNotSupported.
func LoadedModules(pid int) ([]string, error) {
	return nil, ErrNotSupported
}

// ExecutablePath is not available on this platform.
func ExecutablePath(pid int) (string, error) {
	return "", ErrNotSupported
}

//go:build !windows

package runlock

import (
	"errors"
	"syscall"
)

// alive sends signal 0, which checks for the process without signalling it.
// EPERM means the process exists but belongs to someone else.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

//go:build windows

package runlock

import (
	"os"
	"syscall"
)

// alive checks the process. FindProcess always succeeds on Windows, so the
// zero signal does the real check.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

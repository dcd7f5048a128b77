// Package runlock keeps a PID file so that only one queue runner drains a
// jar at a time.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHeld is returned when another live process holds the lock.
var ErrHeld = errors.New("run lock held")

// Lock is a PID file at Path.
type Lock struct {
	Path string
	pid  int
}

// New returns a Lock for path.
func New(path string) *Lock {
	return &Lock{Path: path, pid: os.Getpid()}
}

// Acquire takes the lock for the current process. A lock left behind by a
// dead process is taken over.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(l.pid) + "\n")
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lock: %w", werr)
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock: %w", err)
		}

		pid, running := l.Holder()
		if running && pid != l.pid {
			return fmt.Errorf("%w by pid %d (%s)", ErrHeld, pid, l.Path)
		}
		if pid == l.pid {
			return nil
		}
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: lost race for %s", ErrHeld, l.Path)
}

// Release drops the lock if this process holds it.
func (l *Lock) Release() error {
	pid, err := l.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != l.pid {
		return nil
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Read reads the PID from the file.
func (l *Lock) Read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid lock file content: %w", err)
	}
	return pid, nil
}

// Holder returns the PID in the lock file and whether that process is alive.
func (l *Lock) Holder() (int, bool) {
	pid, err := l.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

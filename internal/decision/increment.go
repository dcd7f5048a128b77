package decision

import (
	"errors"
	"time"

	"github.com/joescharf/pickle/internal/session"
)

// DebounceWindow absorbs duplicate hook deliveries for the same turn.
const DebounceWindow = 500 * time.Millisecond

// Increment advances the iteration counter of an active, non-worker session.
// A second request within DebounceWindow of the previous increment is
// ignored. It reports whether s changed.
func Increment(s *session.Session, role Role, now time.Time) bool {
	if s == nil || !s.Active || role == RoleWorker || s.Worker {
		return false
	}
	nowMs := now.UnixMilli()
	if s.LastIncrementMs > 0 {
		since := time.Duration(nowMs-s.LastIncrementMs) * time.Millisecond
		if since >= 0 && since < DebounceWindow {
			return false
		}
	}
	s.Iteration++
	s.LastIncrementMs = nowMs
	return true
}

// IncrementFile applies Increment to the record at statePath when it is in
// scope for cwd. Missing records are not an error.
func (e *Engine) IncrementFile(statePath, cwd string, role Role, now time.Time) (bool, *session.Session, error) {
	if statePath == "" {
		return false, nil, nil
	}
	s, err := e.Load(statePath)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if !s.InScope(cwd) {
		return false, s, nil
	}
	if !Increment(s, role, now) {
		return false, s, nil
	}
	if err := e.Save(statePath, s); err != nil {
		return false, s, err
	}
	return true, s, nil
}

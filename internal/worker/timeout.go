package worker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joescharf/pickle/internal/limits"
	"github.com/joescharf/pickle/internal/session"
)

// MinTimeout is the floor applied when a worker timeout is clamped.
const MinTimeout = 10 * time.Second

// StateFor returns the state record governing a ticket directory: the parent
// session's state.json first, then one inside the ticket directory itself.
func StateFor(ticketDir string) (string, bool) {
	for _, p := range []string{
		session.StatePath(filepath.Dir(ticketDir)),
		session.StatePath(ticketDir),
	} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// EffectiveTimeout clamps requested to the remaining time budget of the
// record at statePath. A worker never outlives its parent session, but it
// always gets at least MinTimeout. Unreadable or unbounded records leave
// requested unchanged. A non-positive request means MinTimeout.
func EffectiveTimeout(requested time.Duration, statePath string, now time.Time) (time.Duration, bool) {
	if requested <= 0 {
		requested = MinTimeout
	}
	if statePath == "" {
		return requested, false
	}
	s, err := session.LoadFile(statePath)
	if err != nil {
		return requested, false
	}
	remaining, ok := limits.Remaining(s, now)
	if !ok || remaining >= requested {
		return requested, false
	}
	clamped := remaining.Truncate(time.Second)
	if clamped < MinTimeout {
		clamped = MinTimeout
	}
	return clamped, true
}

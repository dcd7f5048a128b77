// Package limits evaluates a session's time and iteration budgets.
package limits

import (
	"fmt"
	"time"

	"github.com/joescharf/pickle/internal/session"
)

// Verdict is the outcome of a budget check.
type Verdict int

const (
	WithinBudget Verdict = iota
	TimeExceeded
	IterationExceeded
)

func (v Verdict) String() string {
	switch v {
	case TimeExceeded:
		return "time-exceeded"
	case IterationExceeded:
		return "iteration-exceeded"
	default:
		return "within-budget"
	}
}

// Exceeded reports whether either bound has been crossed.
func (v Verdict) Exceeded() bool {
	return v != WithinBudget
}

// Evaluate checks s against now. It never mutates s.
//
// The iteration bound is strict (iteration > max): the counter is advanced
// before the check on the following turn, so max completed turns are allowed.
func Evaluate(s *session.Session, now time.Time) Verdict {
	if TimeUp(s, now) {
		return TimeExceeded
	}
	if IterationsUp(s) {
		return IterationExceeded
	}
	return WithinBudget
}

// TimeUp reports whether the wall-clock budget is spent.
func TimeUp(s *session.Session, now time.Time) bool {
	if s.MaxTimeMinutes <= 0 {
		return false
	}
	return now.Unix()-s.StartTimeEpoch >= int64(s.MaxTimeMinutes)*60
}

// IterationsUp reports whether the iteration budget is spent.
func IterationsUp(s *session.Session) bool {
	return s.MaxIterations > 0 && s.Iteration > s.MaxIterations
}

// Remaining returns the unspent time budget. ok is false when the session has
// no time bound or no start anchor.
func Remaining(s *session.Session, now time.Time) (remaining time.Duration, ok bool) {
	if s.MaxTimeMinutes <= 0 || s.StartTimeEpoch <= 0 {
		return 0, false
	}
	budget := time.Duration(s.MaxTimeMinutes) * time.Minute
	return budget - s.Elapsed(now), true
}

// Describe renders a verdict with the numbers behind it.
func Describe(v Verdict, s *session.Session, now time.Time) string {
	switch v {
	case TimeExceeded:
		return fmt.Sprintf("Time limit reached: %ds/%ds", now.Unix()-s.StartTimeEpoch, s.MaxTimeMinutes*60)
	case IterationExceeded:
		return fmt.Sprintf("Max iterations reached: %d/%d", s.Iteration, s.MaxIterations)
	default:
		return "within budget"
	}
}

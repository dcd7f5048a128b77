// Package decision implements the stop/continue state machine that runs at
// the end of every agent turn, and the debounced iteration counter.
package decision

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/pickle/internal/limits"
	"github.com/joescharf/pickle/internal/session"
)

// Role identifies who is driving the turn.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleWorker    Role = "worker"
)

// ResolveRole treats the caller as a worker when the environment says so or
// the record itself is a worker copy.
func ResolveRole(envRole string, s *session.Session) Role {
	if envRole == string(RoleWorker) || (s != nil && s.Worker) {
		return RoleWorker
	}
	return RoleArchitect
}

// Verdict is what the host agent is told to do with its exit attempt.
type Verdict string

const (
	Allow Verdict = "allow"
	Block Verdict = "block"
)

// Reason records which branch produced a decision.
type Reason string

const (
	ReasonNoSession  Reason = "no-session"
	ReasonOutOfScope Reason = "out-of-scope"
	ReasonInactive   Reason = "inactive"
	ReasonCompleted  Reason = "completed"
	ReasonCheckpoint Reason = "checkpoint"
	ReasonBudget     Reason = "budget-exhausted"
	ReasonContinue   Reason = "continue"
	ReasonUnreadable Reason = "unreadable-state"
)

// Decision is the result of one evaluation.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	// Message is a short human-readable status line for the operator.
	Message string
	// Context is re-injected into the next turn when blocking.
	Context string
	// Persist is set when the session was mutated and must be written back.
	Persist bool
}

// Input is everything the engine needs besides the session itself.
type Input struct {
	Cwd    string
	Role   Role
	Output string
	Now    time.Time
}

const loopActive = "Loop Active"

var checkpointMessages = map[Marker]string{
	PRDComplete:       "PRD finished, moving to breakdown...",
	BreakdownComplete: "Breakdown finished, moving to implementation...",
	TicketSelected:    "Ticket selected, starting research...",
	TicketComplete:    "Ticket finished, moving to next...",
	TaskComplete:      "Ticket finished, moving to next...",
}

// Decide applies the priority rules to s. Only the completion and budget
// branches touch s, and only by clearing Active. A worker's record belongs
// to its parent session and is never touched.
func Decide(s *session.Session, in Input) Decision {
	if s == nil {
		return Decision{Verdict: Allow, Reason: ReasonNoSession}
	}
	if !s.InScope(in.Cwd) {
		return Decision{Verdict: Allow, Reason: ReasonOutOfScope}
	}
	if !s.Active {
		return Decision{Verdict: Allow, Reason: ReasonInactive}
	}

	worker := in.Role == RoleWorker
	outcome := Classify(in.Output, s.CompletionToken(), worker)

	switch outcome.Kind {
	case KindCompletion:
		if !worker {
			s.Active = false
		}
		return Decision{
			Verdict: Allow,
			Reason:  ReasonCompleted,
			Message: "Task complete",
			Persist: !worker,
		}
	case KindCheckpoint:
		return Decision{
			Verdict: Block,
			Reason:  ReasonCheckpoint,
			Message: checkpointMessage(outcome),
			Context: s.OriginalPrompt,
		}
	}

	if v := limits.Evaluate(s, in.Now); v.Exceeded() {
		if !worker {
			s.Active = false
		}
		return Decision{
			Verdict: Allow,
			Reason:  ReasonBudget,
			Message: limits.Describe(v, s, in.Now),
			Persist: !worker,
		}
	}

	msg := fmt.Sprintf("%s (Iteration %d)", loopActive, s.Iteration)
	if s.MaxIterations > 0 {
		msg += fmt.Sprintf(" of %d", s.MaxIterations)
	}
	return Decision{Verdict: Block, Reason: ReasonContinue, Message: msg, Context: s.OriginalPrompt}
}

func checkpointMessage(o Outcome) string {
	var parts []string
	seen := map[string]bool{}
	for _, m := range o.Markers {
		text := checkpointMessages[m]
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		parts = append(parts, text)
	}
	return loopActive + " - " + strings.Join(parts, " ")
}

// Engine runs Decide against a state file and writes back any mutation.
type Engine struct {
	Load func(path string) (*session.Session, error)
	Save func(path string, s *session.Session) error
	// Track, when set, observes active in-scope sessions before the decision
	// and reports whether it changed s.
	Track func(s *session.Session, in Input) bool
}

// NewEngine returns an Engine backed by state.json files.
func NewEngine() *Engine {
	return &Engine{Load: session.LoadFile, Save: session.SaveFile}
}

// Evaluate loads statePath, decides and persists. A missing or unreadable
// record allows the exit; the returned error is for logging only and the
// decision is always usable. Workers read the record but never write it.
func (e *Engine) Evaluate(statePath string, in Input) (Decision, *session.Session, error) {
	if statePath == "" {
		return Decision{Verdict: Allow, Reason: ReasonNoSession}, nil, nil
	}
	s, err := e.Load(statePath)
	if errors.Is(err, session.ErrNotFound) {
		return Decision{Verdict: Allow, Reason: ReasonNoSession}, nil, nil
	}
	if err != nil {
		return Decision{Verdict: Allow, Reason: ReasonUnreadable}, nil, err
	}
	if in.Role == "" {
		in.Role = RoleArchitect
	}
	if s.Worker {
		in.Role = RoleWorker
	}

	tracked := false
	if e.Track != nil && in.Role != RoleWorker && s.Active && s.InScope(in.Cwd) {
		tracked = e.Track(s, in)
	}

	d := Decide(s, in)
	if in.Role != RoleWorker && (d.Persist || tracked) {
		if err := e.Save(statePath, s); err != nil {
			return d, s, fmt.Errorf("persist decision: %w", err)
		}
	}
	return d, s, nil
}

package session

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"time"
)

// SchemaVersion is the current version of the state.json layout.
const SchemaVersion = 1

// Phase names, in lifecycle order.
const (
	StepPRD       = "prd"
	StepBreakdown = "breakdown"
	StepResearch  = "research"
	StepPlan      = "plan"
	StepImplement = "implement"
	StepRefactor  = "refactor"
	StepDone      = "done"
)

// Steps lists every phase in lifecycle order.
var Steps = []string{StepPRD, StepBreakdown, StepResearch, StepPlan, StepImplement, StepRefactor, StepDone}

// Session is the durable record of one loop, persisted as state.json in its session directory.
type Session struct {
	SchemaVersion        int               `json:"schema_version"`
	Active               bool              `json:"active"`
	WorkingDir           string            `json:"working_dir"`
	Step                 string            `json:"step"`
	Iteration            int               `json:"iteration"`
	MaxIterations        int               `json:"max_iterations"`
	MaxTimeMinutes       int               `json:"max_time_minutes"`
	WorkerTimeoutSeconds int               `json:"worker_timeout_seconds"`
	StartTimeEpoch       int64             `json:"start_time_epoch"`
	CompletionPromise    *string           `json:"completion_promise"`
	OriginalPrompt       string            `json:"original_prompt"`
	CurrentTicket        *string           `json:"current_ticket"`
	History              []json.RawMessage `json:"history"`
	StartedAt            string            `json:"started_at"`
	SessionDir           string            `json:"session_dir"`
	JarComplete          bool              `json:"jar_complete,omitempty"`
	Worker               bool              `json:"worker,omitempty"`
	LastIncrementMs      int64             `json:"last_increment_ms,omitempty"`
	LoopMonitor          *LoopMonitor      `json:"loop_monitor,omitempty"`
}

// LoopMonitor is the repetition-detection sub-state embedded in a Session.
type LoopMonitor struct {
	History      []CallSnapshot `json:"history"`
	RepeatCount  int            `json:"repeat_count"`
	LastCallHash string         `json:"last_call_hash"`
}

// CallSnapshot is the set of tool calls seen in one agent turn.
type CallSnapshot struct {
	TS    int64      `json:"ts"`
	Calls []ToolCall `json:"calls"`
}

// ToolCall is one [call:server:name{args}] descriptor parsed from agent output.
type ToolCall struct {
	Server string `json:"server"`
	Name   string `json:"name"`
	Args   string `json:"args"`
}

// HistoryEntry is the shape pickle itself appends to Session.History.
// Entries written by other tools are preserved verbatim.
type HistoryEntry struct {
	TS     string `json:"ts"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// ID returns the session id, which is the base name of its directory.
func (s *Session) ID() string {
	if s.SessionDir == "" {
		return ""
	}
	return filepath.Base(s.SessionDir)
}

// CompletionToken returns the caller-supplied completion token, or "".
func (s *Session) CompletionToken() string {
	if s.CompletionPromise == nil {
		return ""
	}
	return *s.CompletionPromise
}

// Ticket returns the current ticket id, or "".
func (s *Session) Ticket() string {
	if s.CurrentTicket == nil {
		return ""
	}
	return *s.CurrentTicket
}

// SetTicket sets or clears (id == "") the current ticket.
func (s *Session) SetTicket(id string) {
	if id == "" {
		s.CurrentTicket = nil
		return
	}
	s.CurrentTicket = &id
}

// SetCompletionToken sets or clears (token == "") the completion token.
func (s *Session) SetCompletionToken(token string) {
	if token == "" {
		s.CompletionPromise = nil
		return
	}
	s.CompletionPromise = &token
}

// AppendHistory records a lifecycle action.
func (s *Session) AppendHistory(now time.Time, action, detail string) {
	raw, err := json.Marshal(HistoryEntry{
		TS:     now.UTC().Format(time.RFC3339),
		Action: action,
		Detail: detail,
	})
	if err != nil {
		return
	}
	s.History = append(s.History, raw)
}

// Elapsed returns the wall-clock time since the start anchor.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartTimeEpoch <= 0 {
		return 0
	}
	return now.Sub(time.Unix(s.StartTimeEpoch, 0))
}

// InScope reports whether the session belongs to cwd. A record with no
// working_dir is treated as in scope.
func (s *Session) InScope(cwd string) bool {
	if s.WorkingDir == "" {
		return true
	}
	return SamePath(s.WorkingDir, cwd)
}

// SamePath compares two paths after making them absolute and clean.
func SamePath(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}

func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Decode parses a state.json payload. Unknown fields are ignored and missing
// fields take their defaults.
func Decode(data []byte) (*Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	s.normalize()
	return s, nil
}

func (s *Session) normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	if s.Step == "" {
		s.Step = StepPRD
	}
	if s.Iteration < 0 {
		s.Iteration = 0
	}
	// Entries come back indented from the pretty-printed file.
	for i, raw := range s.History {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			s.History[i] = buf.Bytes()
		}
	}
}

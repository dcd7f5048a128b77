package models

import "time"

// Session is the ledger's index row for one loop. The state.json record
// stays authoritative; this row is refreshed whenever an event is recorded.
type Session struct {
	ID         string
	SessionDir string
	WorkingDir string
	Prompt     string
	Active     bool
	Step       string
	Iteration  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

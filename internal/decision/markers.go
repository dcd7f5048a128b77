package decision

import (
	"regexp"
)

// Marker is one recognised <promise>TOKEN</promise> sentinel.
type Marker int

const (
	EpicCompleted Marker = iota + 1
	TaskCompleted
	WorkerDone
	PRDComplete
	BreakdownComplete
	TicketSelected
	TicketComplete
	TaskComplete
	CustomToken
)

// Fixed sentinel tokens. TaskCompleted ends the loop; TaskComplete is a checkpoint.
const (
	TokenEpicCompleted     = "EPIC_COMPLETED"
	TokenTaskCompleted     = "TASK_COMPLETED"
	TokenWorkerDone        = "I AM DONE"
	TokenPRDComplete       = "PRD_COMPLETE"
	TokenBreakdownComplete = "BREAKDOWN_COMPLETE"
	TokenTicketSelected    = "TICKET_SELECTED"
	TokenTicketComplete    = "TICKET_COMPLETE"
	TokenTaskComplete      = "TASK_COMPLETE"
)

var fixedTokens = map[string]Marker{
	TokenEpicCompleted:     EpicCompleted,
	TokenTaskCompleted:     TaskCompleted,
	TokenWorkerDone:        WorkerDone,
	TokenPRDComplete:       PRDComplete,
	TokenBreakdownComplete: BreakdownComplete,
	TokenTicketSelected:    TicketSelected,
	TokenTicketComplete:    TicketComplete,
	TokenTaskComplete:      TaskComplete,
}

var promisePattern = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// Wrap renders token in the wire format agents echo back.
func Wrap(token string) string {
	return "<promise>" + token + "</promise>"
}

// Kind groups markers by their effect on the loop.
type Kind int

const (
	KindNone Kind = iota
	KindCompletion
	KindCheckpoint
)

// Outcome is the classification of one agent output.
type Outcome struct {
	Kind Kind
	// Markers holds the markers of Kind that were present, in declaration order.
	Markers []Marker
}

// Has reports whether m is among the outcome's markers.
func (o Outcome) Has(m Marker) bool {
	for _, x := range o.Markers {
		if x == m {
			return true
		}
	}
	return false
}

// Classify scans output for promise sentinels. Completion wins over
// checkpoints. The worker-done marker only counts for workers, and
// checkpoints never count for workers.
func Classify(output, customToken string, worker bool) Outcome {
	present := map[Marker]bool{}
	for _, m := range promisePattern.FindAllStringSubmatch(output, -1) {
		token := m[1]
		if customToken != "" && token == customToken {
			present[CustomToken] = true
		}
		if marker, ok := fixedTokens[token]; ok {
			present[marker] = true
		}
	}
	if len(present) == 0 {
		return Outcome{Kind: KindNone}
	}

	var completion []Marker
	for _, m := range []Marker{CustomToken, EpicCompleted, TaskCompleted, WorkerDone} {
		if !present[m] || (m == WorkerDone && !worker) {
			continue
		}
		completion = append(completion, m)
	}
	if len(completion) > 0 {
		return Outcome{Kind: KindCompletion, Markers: completion}
	}
	if worker {
		return Outcome{Kind: KindNone}
	}

	var checkpoints []Marker
	for _, m := range []Marker{PRDComplete, BreakdownComplete, TicketSelected, TicketComplete, TaskComplete} {
		if present[m] {
			checkpoints = append(checkpoints, m)
		}
	}
	if len(checkpoints) > 0 {
		return Outcome{Kind: KindCheckpoint, Markers: checkpoints}
	}
	return Outcome{Kind: KindNone}
}

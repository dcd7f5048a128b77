// Package hook implements the host agent's hook protocol: a JSON envelope on
// stdin, a single JSON reply line on stdout, and fail-open handling.
package hook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Reply decisions understood by the host agent.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
	DecisionDeny  = "deny"
)

// EventAfterAgent is the hook event name echoed in block replies.
const EventAfterAgent = "AfterAgent"

// Input is the envelope the host agent writes to the hook's stdin.
type Input struct {
	PromptResponse string `json:"prompt_response"`
	Cwd            string `json:"cwd,omitempty"`
}

// Response is the single JSON line a hook writes to stdout.
type Response struct {
	Decision           string          `json:"decision"`
	Continue           *bool           `json:"continue,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	SystemMessage      string          `json:"systemMessage,omitempty"`
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// SpecificOutput carries context re-injected into the next agent turn.
type SpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// Allow is the fail-open reply.
func Allow() Response {
	return Response{Decision: DecisionAllow}
}

// Deny stops the host agent outright.
func Deny(reason string) Response {
	stop := false
	return Response{Decision: DecisionDeny, Continue: &stop, Reason: reason}
}

// ReadInput decodes the stdin envelope. Empty input is a valid, empty envelope.
func ReadInput(r io.Reader) (Input, error) {
	var in Input
	if r == nil {
		return in, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return in, fmt.Errorf("read hook input: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("parse hook input: %w", err)
	}
	return in, nil
}

// WriteResponse writes resp as one JSON line.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal hook reply: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

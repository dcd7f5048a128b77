package hook

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joescharf/pickle/internal/decision"
	"github.com/joescharf/pickle/internal/limits"
	"github.com/joescharf/pickle/internal/loopmon"
	"github.com/joescharf/pickle/internal/session"
)

// stopHook runs the decision engine at the end of an agent turn.
func stopHook(c *call) (Response, error) {
	path, ok := c.stateFile()
	if !ok {
		return Allow(), nil
	}

	engine := *c.Engine
	engine.Track = func(s *session.Session, in decision.Input) bool {
		repeat := loopmon.Track(s, in.Output, in.Now)
		if repeat >= loopmon.StuckThreshold {
			c.log.Info("agent is repeating tool calls", "repeatCount", repeat)
			dump, err := loopmon.DumpDiagnostics(filepath.Dir(path), in.Output, repeat, in.Now)
			if err != nil {
				c.log.Error(err, "dump loop diagnostics")
			} else {
				c.log.Info("loop diagnostics written", "path", dump)
			}
		}
		return repeat > 0
	}

	d, s, err := engine.Evaluate(path, decision.Input{
		Cwd:    c.Env.Cwd,
		Role:   c.role(),
		Output: c.input.PromptResponse,
		Now:    c.now(),
	})
	if err != nil {
		c.log.Error(err, "evaluate session")
	}
	c.log.Info("decision", "verdict", d.Verdict, "reason", d.Reason, "message", d.Message)
	c.record(s, string(d.Verdict), d.Message)
	return replyFor(d), nil
}

func replyFor(d decision.Decision) Response {
	if d.Verdict == decision.Block {
		return Response{
			Decision:      DecisionBlock,
			SystemMessage: d.Message,
			HookSpecificOutput: &SpecificOutput{
				HookEventName:     EventAfterAgent,
				AdditionalContext: d.Context,
			},
		}
	}
	return Response{Decision: DecisionAllow, SystemMessage: d.Message}
}

// incrementHook advances the iteration counter once per turn.
func incrementHook(c *call) (Response, error) {
	path, ok := c.stateFile()
	if !ok {
		return Allow(), nil
	}
	changed, s, err := c.Engine.IncrementFile(path, c.Env.Cwd, c.role(), c.now())
	if err != nil {
		return Allow(), err
	}
	if changed {
		c.log.Info("iteration incremented", "iteration", s.Iteration)
		c.record(s, DecisionAllow, "iteration "+strconv.Itoa(s.Iteration))
	}
	return Allow(), nil
}

// checkLimitHook stops the host agent once the jar is drained or a budget is spent.
func checkLimitHook(c *call) (Response, error) {
	s, _, ok, err := c.load()
	if err != nil || !ok {
		return Allow(), err
	}

	var resp Response
	switch {
	case s.JarComplete:
		resp = Deny("Jar processing complete")
	default:
		switch limits.Evaluate(s, c.now()) {
		case limits.TimeExceeded:
			resp = Deny("Time limit exceeded")
		case limits.IterationExceeded:
			resp = Deny(fmt.Sprintf("Iteration limit exceeded (%d/%d)", s.Iteration, s.MaxIterations))
		default:
			return Allow(), nil
		}
	}
	c.log.Info("limit reached", "reason", resp.Reason)
	c.record(s, DecisionDeny, resp.Reason)
	return resp, nil
}

// reinforcePersonaHook restates the loop state at the start of each turn.
func reinforcePersonaHook(c *call) (Response, error) {
	s, _, ok, err := c.load()
	if err != nil || !ok {
		return Allow(), err
	}
	return Response{Decision: DecisionAllow, SystemMessage: PersonaMessage(s)}, nil
}

// PersonaMessage renders the system message injected by reinforce-persona.
func PersonaMessage(s *session.Session) string {
	var b strings.Builder
	b.WriteString("You are the architect of this loop. Stay focused on the stated goal and verify every step.")
	if s.Step == "" {
		return b.String()
	}

	maxIter := "Infinite"
	if s.MaxIterations > 0 {
		maxIter = strconv.Itoa(s.MaxIterations)
	}
	ticket := s.Ticket()
	if ticket == "" {
		ticket = "None"
	}
	goal := s.OriginalPrompt
	if goal == "" {
		goal = "Unknown"
	}

	b.WriteString("\n\nCURRENT STATE:\n")
	fmt.Fprintf(&b, "- Iteration: %d/%s\n", s.Iteration, maxIter)
	fmt.Fprintf(&b, "- Phase: %s\n", strings.ToUpper(s.Step))
	fmt.Fprintf(&b, "- Current Ticket: %s\n", ticket)
	fmt.Fprintf(&b, "- Goal: %s\n\n", goal)
	fmt.Fprintf(&b, "Invoke the skill for the %q phase. Do not restart at PRD unless told to.", s.Step)
	return b.String()
}

package session

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

var setters = map[string]func(s *Session, v string) error{
	"step": func(s *Session, v string) error {
		if !slices.Contains(Steps, v) {
			return fmt.Errorf("invalid step %q (want one of %s)", v, strings.Join(Steps, ", "))
		}
		s.Step = v
		return nil
	},
	"current_ticket": func(s *Session, v string) error {
		s.SetTicket(nullable(v))
		return nil
	},
	"completion_promise": func(s *Session, v string) error {
		s.SetCompletionToken(nullable(v))
		return nil
	},
	"active": func(s *Session, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("active: %w", err)
		}
		s.Active = b
		return nil
	},
	"iteration":              intSetter(func(s *Session) *int { return &s.Iteration }),
	"max_iterations":         intSetter(func(s *Session) *int { return &s.MaxIterations }),
	"max_time_minutes":       intSetter(func(s *Session) *int { return &s.MaxTimeMinutes }),
	"worker_timeout_seconds": intSetter(func(s *Session) *int { return &s.WorkerTimeoutSeconds }),
}

// SettableFields lists the keys Set accepts.
func SettableFields() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns a state.json field from its string form. "null", "none" and
// "" clear the nullable fields.
func (s *Session) Set(key, value string) error {
	fn, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown key %q (settable: %s)", key, strings.Join(SettableFields(), ", "))
	}
	return fn(s, strings.TrimSpace(value))
}

func intSetter(field func(s *Session) *int) func(s *Session, v string) error {
	return func(s *Session, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		if n < 0 {
			return fmt.Errorf("must not be negative: %d", n)
		}
		*field(s) = n
		return nil
	}
}

func nullable(v string) string {
	switch strings.ToLower(v) {
	case "", "null", "none":
		return ""
	}
	return v
}

// Package loopmon detects agent turns that keep issuing the same tool calls.
package loopmon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/pickle/internal/session"
)

const (
	// HistoryCap bounds the per-session call history.
	HistoryCap = 5
	// StuckThreshold is the repeat count at which callers should dump diagnostics.
	StuckThreshold = 3
)

var callPattern = regexp.MustCompile(`\[call:([^:{]+):([^:{]+)\{(.*?)\}\]`)

// ParseCalls extracts [call:server:name{args}] descriptors in order of appearance.
func ParseCalls(output string) []session.ToolCall {
	matches := callPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	calls := make([]session.ToolCall, 0, len(matches))
	for _, m := range matches {
		calls = append(calls, session.ToolCall{Server: m[1], Name: m[2], Args: m[3]})
	}
	return calls
}

// Hash returns a structural hash of an ordered call set.
func Hash(calls []session.ToolCall) string {
	data, _ := json.Marshal(calls)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Track updates the monitor sub-state of s with the calls found in output and
// returns the current repeat count. Output without calls leaves s untouched
// and returns 0. Persisting s is the caller's job.
func Track(s *session.Session, output string, now time.Time) int {
	calls := ParseCalls(output)
	if len(calls) == 0 {
		return 0
	}
	if s.LoopMonitor == nil {
		s.LoopMonitor = &session.LoopMonitor{}
	}
	lm := s.LoopMonitor

	hash := Hash(calls)
	if hash == lm.LastCallHash {
		lm.RepeatCount++
	} else {
		lm.RepeatCount = 1
	}
	lm.LastCallHash = hash

	lm.History = append(lm.History, session.CallSnapshot{TS: now.UnixMilli(), Calls: calls})
	if over := len(lm.History) - HistoryCap; over > 0 {
		lm.History = lm.History[over:]
	}
	return lm.RepeatCount
}

// Diagnostics is the snapshot written by DumpDiagnostics.
type Diagnostics struct {
	Timestamp    string      `json:"timestamp"`
	RepeatCount  int         `json:"repeat_count"`
	InputContext string      `json:"input_context"`
	SystemState  SystemState `json:"system_state"`
}

// SystemState captures where the hook was running.
type SystemState struct {
	Cwd string   `json:"cwd"`
	Env []string `json:"env"`
}

// envKeyMarkers selects which environment variable names are recorded. Values are never recorded.
var envKeyMarkers = []string{"PICKLE", "GEMINI"}

// DumpDiagnostics writes sessionDir/logs/loop_debug_<ts>.json and returns its path.
func DumpDiagnostics(sessionDir, input string, repeatCount int, now time.Time) (string, error) {
	logDir := filepath.Join(sessionDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	cwd, _ := os.Getwd()
	dump := Diagnostics{
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		RepeatCount:  repeatCount,
		InputContext: input,
		SystemState:  SystemState{Cwd: cwd, Env: filteredEnvKeys()},
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diagnostics: %w", err)
	}

	stamp := strings.ReplaceAll(now.UTC().Format("2006-01-02T15-04-05.000Z"), ".", "-")
	path := filepath.Join(logDir, "loop_debug_"+stamp+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write diagnostics: %w", err)
	}
	return path, nil
}

func filteredEnvKeys() []string {
	var keys []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		for _, marker := range envKeyMarkers {
			if strings.Contains(key, marker) {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}

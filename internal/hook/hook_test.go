package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pickle/internal/decision"
	"github.com/joescharf/pickle/internal/session"
)

type fakeRecorder struct {
	hooks    []string
	verdicts []string
}

func (f *fakeRecorder) RecordHook(_ context.Context, _ *session.Session, hook, verdict, _ string) error {
	f.hooks = append(f.hooks, hook)
	f.verdicts = append(f.verdicts, verdict)
	return nil
}

type hookEnv struct {
	runner   *Runner
	store    *session.Store
	cwd      string
	stateDir string
	rec      *fakeRecorder
}

func newHookEnv(t *testing.T) *hookEnv {
	t.Helper()
	stateDir := t.TempDir()
	cwd := t.TempDir()
	st := session.NewStore(filepath.Join(stateDir, "sessions"), session.NewFileRegistry(stateDir))
	r := NewRunner(st, Env{Cwd: cwd, StateDir: stateDir})
	rec := &fakeRecorder{}
	r.Recorder = rec
	return &hookEnv{runner: r, store: st, cwd: cwd, stateDir: stateDir, rec: rec}
}

func (e *hookEnv) start(t *testing.T, maxIter int) *session.Session {
	t.Helper()
	s, err := e.store.Create(session.CreateOptions{
		WorkingDir: e.cwd,
		Prompt:     "build the thing",
		Limits:     session.Limits{MaxIterations: maxIter, MaxTimeMinutes: 60},
	})
	require.NoError(t, err)
	return s
}

func (e *hookEnv) run(t *testing.T, name, stdin string) Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, e.runner.Run(context.Background(), name, strings.NewReader(stdin), &out))
	require.Equal(t, 1, strings.Count(out.String(), "\n"), "exactly one reply line")
	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func envelope(t *testing.T, output string) string {
	t.Helper()
	data, err := json.Marshal(Input{PromptResponse: output})
	require.NoError(t, err)
	return string(data)
}

func TestRun_NoSessionAllows(t *testing.T) {
	e := newHookEnv(t)
	for _, name := range Names() {
		resp := e.run(t, name, envelope(t, "hello"))
		assert.Equal(t, DecisionAllow, resp.Decision, name)
	}
}

func TestRun_UnknownHookAllows(t *testing.T) {
	e := newHookEnv(t)
	assert.Equal(t, DecisionAllow, e.run(t, "nope", "").Decision)
}

func TestRun_BadInputAllows(t *testing.T) {
	e := newHookEnv(t)
	e.start(t, 5)
	assert.Equal(t, DecisionAllow, e.run(t, "stop", "{not json").Decision)
}

func TestRun_PanicAllows(t *testing.T) {
	e := newHookEnv(t)
	e.start(t, 5)
	e.runner.Engine = nil

	resp := e.run(t, "stop", envelope(t, "working"))
	assert.Equal(t, DecisionAllow, resp.Decision)

	data, err := os.ReadFile(filepath.Join(e.stateDir, "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hook panicked")
}

func TestStop_DefaultBlocksWithContext(t *testing.T) {
	e := newHookEnv(t)
	e.start(t, 5)

	resp := e.run(t, "stop", envelope(t, "still working"))
	assert.Equal(t, DecisionBlock, resp.Decision)
	assert.Equal(t, "Loop Active (Iteration 0) of 5", resp.SystemMessage)
	require.NotNil(t, resp.HookSpecificOutput)
	assert.Equal(t, EventAfterAgent, resp.HookSpecificOutput.HookEventName)
	assert.Equal(t, "build the thing", resp.HookSpecificOutput.AdditionalContext)
	assert.Equal(t, []string{"stop"}, e.rec.hooks)
}

func TestStop_CompletionDeactivates(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 5)

	resp := e.run(t, "stop", envelope(t, decision.Wrap(decision.TokenTaskCompleted)))
	assert.Equal(t, DecisionAllow, resp.Decision)

	reloaded, err := session.Load(s.SessionDir)
	require.NoError(t, err)
	assert.False(t, reloaded.Active)
	assert.FileExists(t, filepath.Join(s.SessionDir, "hooks.log"))
}

func TestStop_StateFileOverride(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 5)
	other := t.TempDir()
	e.runner.Env.Cwd = other
	e.runner.Env.StateFile = session.StatePath(s.SessionDir)

	resp := e.run(t, "stop", envelope(t, "x"))
	assert.Equal(t, DecisionAllow, resp.Decision, "record belongs to another directory")
}

func TestStop_WorkerFromEnvLeavesParentUntouched(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 5)
	path := session.StatePath(s.SessionDir)
	e.runner.Env.StateFile = path
	e.runner.Env.Role = string(decision.RoleWorker)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, out := range []string{
		decision.Wrap(decision.TokenWorkerDone),
		`[call:fs:read{"p":1}] ` + decision.Wrap(decision.TokenWorkerDone),
		`[call:fs:read{"p":1}] still going`,
	} {
		e.run(t, "stop", envelope(t, out))
		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after), out)
	}

	reloaded, err := session.Load(s.SessionDir)
	require.NoError(t, err)
	assert.True(t, reloaded.Active)
	assert.Nil(t, reloaded.LoopMonitor)
}

func TestStop_LoopMonitorDumpsDiagnostics(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 0)
	out := envelope(t, `[call:fs:read_file{"path":"x"}]`)

	for i := 0; i < 3; i++ {
		assert.Equal(t, DecisionBlock, e.run(t, "stop", out).Decision)
	}

	reloaded, err := session.Load(s.SessionDir)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LoopMonitor)
	assert.Equal(t, 3, reloaded.LoopMonitor.RepeatCount)

	dumps, err := filepath.Glob(filepath.Join(s.SessionDir, "logs", "loop_debug_*.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, dumps)
}

func TestIncrement(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 5)
	now := time.Unix(1_800_000_000, 0)
	e.runner.Now = func() time.Time { return now }

	assert.Equal(t, DecisionAllow, e.run(t, "increment-iteration", "").Decision)
	assert.Equal(t, DecisionAllow, e.run(t, "increment-iteration", "").Decision)

	reloaded, err := session.Load(s.SessionDir)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Iteration, "second call is debounced")

	e.runner.Env.Role = "worker"
	now = now.Add(time.Second)
	e.run(t, "increment-iteration", "")
	reloaded, err = session.Load(s.SessionDir)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Iteration, "workers never advance the loop")
}

func TestCheckLimit(t *testing.T) {
	e := newHookEnv(t)
	s := e.start(t, 2)

	assert.Equal(t, DecisionAllow, e.run(t, "check-limit", "").Decision)

	_, err := e.store.Update(s.SessionDir, func(s *session.Session) error {
		s.Iteration = 3
		return nil
	})
	require.NoError(t, err)
	resp := e.run(t, "check-limit", "")
	assert.Equal(t, DecisionDeny, resp.Decision)
	require.NotNil(t, resp.Continue)
	assert.False(t, *resp.Continue)
	assert.Equal(t, "Iteration limit exceeded (3/2)", resp.Reason)

	_, err = e.store.Update(s.SessionDir, func(s *session.Session) error {
		s.StartTimeEpoch -= 2 * 3600
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Time limit exceeded", e.run(t, "check-limit", "").Reason)

	_, err = e.store.Update(s.SessionDir, func(s *session.Session) error {
		s.JarComplete = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Jar processing complete", e.run(t, "check-limit", "").Reason)
}

func TestReinforcePersona(t *testing.T) {
	e := newHookEnv(t)
	e.start(t, 0)

	resp := e.run(t, "reinforce-persona", "")
	assert.Equal(t, DecisionAllow, resp.Decision)
	assert.Contains(t, resp.SystemMessage, "- Iteration: 0/Infinite")
	assert.Contains(t, resp.SystemMessage, "- Phase: PRD")
	assert.Contains(t, resp.SystemMessage, "- Current Ticket: None")
	assert.Contains(t, resp.SystemMessage, "- Goal: build the thing")
}

func TestPersonaMessage_WithTicket(t *testing.T) {
	s := &session.Session{Step: session.StepImplement, Iteration: 2, MaxIterations: 9}
	s.SetTicket("abc123")
	msg := PersonaMessage(s)
	assert.Contains(t, msg, "- Iteration: 2/9")
	assert.Contains(t, msg, "- Phase: IMPLEMENT")
	assert.Contains(t, msg, "- Current Ticket: abc123")
	assert.Contains(t, msg, "- Goal: Unknown")
}

func TestRememberWorkspace(t *testing.T) {
	e := newHookEnv(t)
	e.run(t, "check-limit", `{"cwd":"/some/where"}`)
	data, err := os.ReadFile(filepath.Join(e.stateDir, "last_workspace.txt"))
	require.NoError(t, err)
	assert.Equal(t, "/some/where", string(data))
}

func TestReadInput(t *testing.T) {
	in, err := ReadInput(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Empty(t, in.PromptResponse)

	in, err = ReadInput(strings.NewReader(`{"prompt_response":"hi","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", in.PromptResponse)
}

func TestLogFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	files := NewLogFiles(a, "")
	files.Add(b)
	files.Add(b)
	assert.Equal(t, []string{a, b}, files.Paths())

	NewLogger(files).Info("hello", "k", "v")
	for _, p := range []string{a, b} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		var line map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
		assert.Equal(t, "hello", line["msg"])
		assert.Equal(t, "v", line["k"])
	}
}

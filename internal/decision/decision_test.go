package decision

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pickle/internal/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		custom string
		worker bool
		kind   Kind
		marker Marker
	}{
		{"nothing", "just text", "", false, KindNone, 0},
		{"epic", "ok " + Wrap(TokenEpicCompleted), "", false, KindCompletion, EpicCompleted},
		{"task completed", Wrap(TokenTaskCompleted), "", false, KindCompletion, TaskCompleted},
		{"custom token", "x " + Wrap("SHIP_IT") + " y", "SHIP_IT", false, KindCompletion, CustomToken},
		{"custom token not configured", Wrap("SHIP_IT"), "", false, KindNone, 0},
		{"worker done for worker", Wrap(TokenWorkerDone), "", true, KindCompletion, WorkerDone},
		{"worker done ignored for architect", Wrap(TokenWorkerDone), "", false, KindNone, 0},
		{"prd checkpoint", Wrap(TokenPRDComplete), "", false, KindCheckpoint, PRDComplete},
		{"checkpoint ignored for worker", Wrap(TokenPRDComplete), "", true, KindNone, 0},
		{"task complete is a checkpoint", Wrap(TokenTaskComplete), "", false, KindCheckpoint, TaskComplete},
		{"completion beats checkpoint", Wrap(TokenTicketComplete) + Wrap(TokenEpicCompleted), "", false, KindCompletion, EpicCompleted},
		{"bare token without wrapper", "TASK_COMPLETED", "", false, KindNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Classify(tt.output, tt.custom, tt.worker)
			assert.Equal(t, tt.kind, o.Kind)
			if tt.marker != 0 {
				assert.True(t, o.Has(tt.marker), "markers: %v", o.Markers)
			} else {
				assert.Empty(t, o.Markers)
			}
		})
	}
}

func activeSession(wd string) *session.Session {
	return &session.Session{
		SchemaVersion:  session.SchemaVersion,
		Active:         true,
		WorkingDir:     wd,
		Step:           session.StepPRD,
		MaxIterations:  10,
		StartTimeEpoch: time.Now().Unix(),
		OriginalPrompt: "build a CLI",
	}
}

func TestDecide_OutOfScope(t *testing.T) {
	s := activeSession("/repo/a")
	d := Decide(s, Input{Cwd: "/repo/b", Output: Wrap(TokenEpicCompleted), Now: time.Now()})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, ReasonOutOfScope, d.Reason)
	assert.True(t, s.Active)
	assert.False(t, d.Persist)
}

func TestDecide_InactiveNeverMutates(t *testing.T) {
	for _, out := range []string{"", Wrap(TokenEpicCompleted), Wrap(TokenPRDComplete), "anything"} {
		s := activeSession("/repo")
		s.Active = false
		s.Iteration = 50
		before := *s
		d := Decide(s, Input{Cwd: "/repo", Output: out, Now: time.Now()})
		assert.Equal(t, Allow, d.Verdict)
		assert.Equal(t, ReasonInactive, d.Reason)
		assert.Equal(t, before, *s)
	}
}

func TestDecide_CompletionDeactivates(t *testing.T) {
	s := activeSession("/repo")
	d := Decide(s, Input{Cwd: "/repo", Role: RoleArchitect, Output: Wrap(TokenTaskCompleted), Now: time.Now()})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, ReasonCompleted, d.Reason)
	assert.False(t, s.Active)
	assert.True(t, d.Persist)
}

func TestDecide_WorkerCompletionNotPersisted(t *testing.T) {
	s := activeSession("/repo")
	d := Decide(s, Input{Cwd: "/repo", Role: RoleWorker, Output: Wrap(TokenWorkerDone), Now: time.Now()})
	assert.Equal(t, Allow, d.Verdict)
	assert.False(t, d.Persist)
	assert.True(t, s.Active, "worker completion leaves the parent record alone")
}

func TestDecide_CheckpointBlocks(t *testing.T) {
	s := activeSession("/repo")
	s.Iteration = 1
	d := Decide(s, Input{Cwd: "/repo", Output: "done " + Wrap(TokenPRDComplete), Now: time.Now()})
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, ReasonCheckpoint, d.Reason)
	assert.Equal(t, "Loop Active - PRD finished, moving to breakdown...", d.Message)
	assert.Equal(t, "build a CLI", d.Context)
	assert.True(t, s.Active)
	assert.False(t, d.Persist)
}

func TestDecide_CheckpointWinsOverBudget(t *testing.T) {
	s := activeSession("/repo")
	s.Iteration = 99
	d := Decide(s, Input{Cwd: "/repo", Output: Wrap(TokenTicketSelected), Now: time.Now()})
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, "Loop Active - Ticket selected, starting research...", d.Message)
}

func TestDecide_TimeBudget(t *testing.T) {
	now := time.Now()
	s := activeSession("/repo")
	s.MaxTimeMinutes = 1
	s.StartTimeEpoch = now.Unix() - 61
	d := Decide(s, Input{Cwd: "/repo", Output: "working", Now: now})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, ReasonBudget, d.Reason)
	assert.False(t, s.Active)
	assert.True(t, d.Persist)
}

func TestDecide_DefaultBlocks(t *testing.T) {
	s := activeSession("/repo")
	s.Iteration = 3
	d := Decide(s, Input{Cwd: "/repo", Output: "still going", Now: time.Now()})
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, "Loop Active (Iteration 3) of 10", d.Message)

	s.MaxIterations = 0
	d = Decide(s, Input{Cwd: "/repo", Output: "still going", Now: time.Now()})
	assert.Equal(t, "Loop Active (Iteration 3)", d.Message)
}

func TestDecide_IterationBudgetAllowsExactlyN(t *testing.T) {
	const n = 4
	s := activeSession("/repo")
	s.MaxIterations = n
	now := time.Now()

	for turn := 1; turn <= n; turn++ {
		require.True(t, Increment(s, RoleArchitect, now.Add(time.Duration(turn)*time.Second)))
		d := Decide(s, Input{Cwd: "/repo", Output: "working", Now: now})
		require.Equal(t, Block, d.Verdict, "turn %d", turn)
		require.True(t, s.Active)
	}

	require.True(t, Increment(s, RoleArchitect, now.Add(time.Hour)))
	d := Decide(s, Input{Cwd: "/repo", Output: "working", Now: now})
	assert.Equal(t, Allow, d.Verdict)
	assert.False(t, s.Active)
}

func TestIncrement_Debounce(t *testing.T) {
	s := activeSession("/repo")
	now := time.UnixMilli(1_700_000_000_000)

	assert.True(t, Increment(s, RoleArchitect, now))
	assert.False(t, Increment(s, RoleArchitect, now.Add(200*time.Millisecond)))
	assert.Equal(t, 1, s.Iteration)

	assert.True(t, Increment(s, RoleArchitect, now.Add(DebounceWindow)))
	assert.Equal(t, 2, s.Iteration)
}

func TestIncrement_SkipsWorkersAndInactive(t *testing.T) {
	s := activeSession("/repo")
	assert.False(t, Increment(s, RoleWorker, time.Now()))

	s.Worker = true
	assert.False(t, Increment(s, RoleArchitect, time.Now()))

	s.Worker = false
	s.Active = false
	assert.False(t, Increment(s, RoleArchitect, time.Now()))
	assert.Equal(t, 0, s.Iteration)
}

func writeState(t *testing.T, s *session.Session) string {
	t.Helper()
	dir := t.TempDir()
	s.SessionDir = dir
	require.NoError(t, session.Save(dir, s))
	return session.StatePath(dir)
}

func TestEngineEvaluate_PersistsCompletion(t *testing.T) {
	wd := t.TempDir()
	path := writeState(t, activeSession(wd))

	d, _, err := NewEngine().Evaluate(path, Input{Cwd: wd, Output: Wrap(TokenTaskCompleted), Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	s, err := session.LoadFile(path)
	require.NoError(t, err)
	assert.False(t, s.Active)
}

func TestEngineEvaluate_OutOfScopeLeavesFileUntouched(t *testing.T) {
	wd := t.TempDir()
	path := writeState(t, activeSession(wd))
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(path, past, past))

	d, _, err := NewEngine().Evaluate(path, Input{Cwd: t.TempDir(), Output: Wrap(TokenTaskCompleted), Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "record must not be rewritten")
}

func TestEngineEvaluate_FailsOpen(t *testing.T) {
	d, s, err := NewEngine().Evaluate(filepath.Join(t.TempDir(), "missing.json"), Input{})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, Allow, d.Verdict)

	bad := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(bad, []byte("{{{"), 0o644))
	d, _, err = NewEngine().Evaluate(bad, Input{})
	assert.Error(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, ReasonUnreadable, d.Reason)
}

func TestEngineEvaluate_WorkerRecordForcesWorkerRole(t *testing.T) {
	wd := t.TempDir()
	s := activeSession(wd)
	s.Worker = true
	path := writeState(t, s)

	d, _, err := NewEngine().Evaluate(path, Input{Cwd: wd, Role: RoleArchitect, Output: Wrap(TokenWorkerDone), Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)

	reloaded, err := session.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Active, "worker state is not authoritative for loop control")
}

func TestEngineEvaluate_WorkerNeverWritesParent(t *testing.T) {
	wd := t.TempDir()
	path := writeState(t, activeSession(wd))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	e := NewEngine()
	e.Track = func(s *session.Session, _ Input) bool {
		s.Iteration = 99
		return true
	}
	output := `[call:fs:read{"p":1}] ` + Wrap(TokenWorkerDone)
	d, _, err := e.Evaluate(path, Input{Cwd: wd, Role: RoleWorker, Output: output, Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, ReasonCompleted, d.Reason)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestEngineIncrementFile(t *testing.T) {
	wd := t.TempDir()
	path := writeState(t, activeSession(wd))
	e := NewEngine()
	now := time.Now()

	changed, _, err := e.IncrementFile(path, wd, RoleArchitect, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, _, err = e.IncrementFile(path, wd, RoleArchitect, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, changed, "debounced")

	changed, _, err = e.IncrementFile(path, t.TempDir(), RoleArchitect, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed, "out of scope")

	s, err := session.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Iteration)
}

func TestResolveRole(t *testing.T) {
	assert.Equal(t, RoleWorker, ResolveRole("worker", nil))
	assert.Equal(t, RoleArchitect, ResolveRole("", &session.Session{}))
	assert.Equal(t, RoleWorker, ResolveRole("", &session.Session{Worker: true}))
}

func TestEngineEvaluate_TrackPersists(t *testing.T) {
	wd := t.TempDir()
	path := writeState(t, activeSession(wd))
	e := NewEngine()
	calls := 0
	e.Track = func(s *session.Session, in Input) bool {
		calls++
		s.SetTicket("T-1")
		return true
	}

	d, _, err := e.Evaluate(path, Input{Cwd: wd, Output: "working", Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, 1, calls)

	s, err := session.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T-1", s.Ticket())

	_, _, err = e.Evaluate(path, Input{Cwd: t.TempDir(), Output: "working", Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "out-of-scope sessions are not tracked")
}

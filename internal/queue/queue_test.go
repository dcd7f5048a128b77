package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/pickle/internal/git"
	"github.com/joescharf/pickle/internal/runlock"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/worktree"
)

type fakeBranch string

func (f fakeBranch) CurrentBranch(string) (string, error) {
	if f == "" {
		return "", errors.New("not a repo")
	}
	return string(f) + "\n", nil
}

type lines struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lines) Info(format string, a ...any)    { l.add("info", format, a...) }
func (l *lines) Success(format string, a ...any) { l.add("ok", format, a...) }
func (l *lines) Warning(format string, a ...any) { l.add("warn", format, a...) }
func (l *lines) Error(format string, a ...any)   { l.add("error", format, a...) }

func (l *lines) add(level, format string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.buf, "%s: %s\n", level, fmt.Sprintf(format, a...))
}

func (l *lines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type countObserver struct {
	tasks map[string]int
	runs  int
	err   error
}

func (o *countObserver) TaskFinished(status string, _ time.Duration) {
	if o.tasks == nil {
		o.tasks = map[string]int{}
	}
	o.tasks[status]++
}

func (o *countObserver) RunFinished(err error, _ time.Duration, _ time.Time) {
	o.runs++
	o.err = err
}

type env struct {
	store    *session.Store
	jar      *Jar
	stateDir string
	repo     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	stateDir := t.TempDir()
	store := session.NewStore(filepath.Join(stateDir, "sessions"), session.NewFileRegistry(stateDir))
	jar := NewJar(filepath.Join(stateDir, "jar"))
	jar.Now = func() time.Time { return time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC) }
	return &env{store: store, jar: jar, stateDir: stateDir, repo: t.TempDir()}
}

// session creates a session with a PRD in e.repo.
func (e *env) session(t *testing.T, prompt string) string {
	t.Helper()
	s, err := e.store.Create(session.CreateOptions{WorkingDir: e.repo, Prompt: prompt, Limits: session.DefaultLimits})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.SessionDir, PRDFile), []byte("# PRD: "+prompt+"\n"), 0o644))
	return s.SessionDir
}

func (e *env) archive(t *testing.T, prompt string) *Task {
	t.Helper()
	task, err := e.jar.Add(e.session(t, prompt), fakeBranch("main"))
	require.NoError(t, err)
	return task
}

func (e *env) runner(ui Reporter, obs Observer, command string) *Runner {
	return &Runner{
		Jar:         e.jar,
		Sessions:    e.store,
		Lock:        runlock.New(filepath.Join(e.stateDir, "jar.lock")),
		Observer:    obs,
		UI:          ui,
		Command:     command,
		LoopCommand: "/loop",
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
	}
}

// agentScript records each invocation in <session>/ran and fails when
// <session>/fail exists.
func agentScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	body := `#!/bin/sh
echo "$1 $2 $(pwd) $PICKLE_STATE_FILE" >> "$3/ran"
[ -f "$3/fail" ] && exit 1
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestAdd(t *testing.T) {
	e := newEnv(t)
	dir := e.session(t, "build it")

	task, err := e.jar.Add(dir, fakeBranch("feature"))
	require.NoError(t, err)
	assert.Equal(t, "2026-05-06", task.Day)
	assert.Equal(t, filepath.Base(dir), task.ID)
	assert.FileExists(t, filepath.Join(task.Dir, PRDFile))

	meta, err := ReadMeta(task.Dir)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, meta.Status)
	assert.Equal(t, "feature", meta.Branch)
	assert.Equal(t, task.ID, meta.TaskID)
	assert.Equal(t, PRDFile, meta.PRDPath)
	assert.Equal(t, "2026-05-06T09:00:00Z", meta.CreatedAt)

	s, err := session.Load(dir)
	require.NoError(t, err)
	assert.False(t, s.Active)
	assert.Equal(t, ArchivedPromise, s.CompletionToken())
}

func TestAdd_UnknownBranch(t *testing.T) {
	e := newEnv(t)
	task, err := e.jar.Add(e.session(t, "x"), fakeBranch(""))
	require.NoError(t, err)
	assert.Equal(t, "unknown", task.Meta.Branch)
}

func TestAdd_Errors(t *testing.T) {
	e := newEnv(t)

	_, err := e.jar.Add(t.TempDir(), nil)
	assert.ErrorContains(t, err, "state.json not found")

	dir := e.session(t, "x")
	require.NoError(t, os.Remove(filepath.Join(dir, PRDFile)))
	_, err = e.jar.Add(dir, nil)
	assert.ErrorContains(t, err, "prd.md not found")
}

func TestListing(t *testing.T) {
	e := newEnv(t)
	days, err := e.jar.Days()
	require.NoError(t, err)
	assert.Empty(t, days, "missing jar is empty")

	for _, p := range []string{"2026-05-02/b", "2026-05-01/z", "2026-05-02/a"} {
		require.NoError(t, os.MkdirAll(filepath.Join(e.jar.Root, p), 0o755))
	}
	require.NoError(t, WriteMeta(filepath.Join(e.jar.Root, "2026-05-02/a"), &Meta{TaskID: "a", Status: StatusQueued}))

	all, err := e.jar.All()
	require.NoError(t, err)
	var got []string
	for _, task := range all {
		got = append(got, task.Day+"/"+task.ID)
	}
	assert.Equal(t, []string{"2026-05-01/z", "2026-05-02/a", "2026-05-02/b"}, got)
	assert.NotNil(t, all[1].Meta)
	assert.Nil(t, all[2].Meta)
	assert.True(t, errors.Is(all[2].MetaErr, os.ErrNotExist))

	err = e.jar.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-05-01/z")
}

func TestRun_CompletesAndFails(t *testing.T) {
	e := newEnv(t)
	script := agentScript(t)
	good := e.archive(t, "good")
	bad := e.archive(t, "bad")
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Dir(bad.ID), "fail"), nil, 0o644))

	launch := t.TempDir()
	_, err := e.store.Create(session.CreateOptions{WorkingDir: launch, Prompt: "drain the jar"})
	require.NoError(t, err)

	ui := &lines{}
	obs := &countObserver{}
	r := e.runner(ui, obs, script)
	sum, err := r.Run(context.Background(), Options{Cwd: launch})
	require.NoError(t, err)
	assert.Equal(t, &Summary{Completed: 1, Failed: 1}, sum)

	meta, err := ReadMeta(good.Dir)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, meta.Status)
	assert.NoFileExists(t, filepath.Join(good.Dir, HandoffFile))

	meta, err = ReadMeta(bad.Dir)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, meta.Status)
	handoff, err := os.ReadFile(filepath.Join(bad.Dir, HandoffFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(handoff), "# Handoff: Task "+bad.ID+"\n\nTask failed during execution.\nError: "))

	ran, err := os.ReadFile(filepath.Join(e.store.Dir(good.ID), "ran"))
	require.NoError(t, err)
	assert.Contains(t, string(ran), "/loop --resume")
	assert.Contains(t, string(ran), session.StatePath(e.store.Dir(good.ID)))

	s, err := session.Load(e.store.Dir(good.ID))
	require.NoError(t, err)
	assert.True(t, s.Active, "the resumed session is left to the loop")

	dir, ok, err := e.store.ResolveForDirectory(launch)
	require.NoError(t, err)
	require.True(t, ok)
	launched, err := session.Load(dir)
	require.NoError(t, err)
	assert.True(t, launched.JarComplete)
	assert.False(t, launched.Active)

	assert.Equal(t, map[string]int{"completed": 1, "failed": 1}, obs.tasks)
	assert.Equal(t, 1, obs.runs)
	assert.NoError(t, obs.err)
	assert.NoFileExists(t, r.Lock.Path, "lock released")
	assert.Contains(t, ui.String(), "error: Task "+bad.ID+" failed")
}

func TestRun_LaunchedFromTaskRepository(t *testing.T) {
	e := newEnv(t)
	task := e.archive(t, "same repo")
	launch, err := e.store.Create(session.CreateOptions{WorkingDir: e.repo, Prompt: "drain the jar"})
	require.NoError(t, err)

	sum, err := e.runner(&lines{}, nil, agentScript(t)).Run(context.Background(), Options{Cwd: e.repo})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)

	launched, err := session.Load(launch.SessionDir)
	require.NoError(t, err)
	assert.True(t, launched.JarComplete)
	assert.False(t, launched.Active)

	taskSession, err := session.Load(e.store.Dir(task.ID))
	require.NoError(t, err)
	assert.False(t, taskSession.JarComplete)
	assert.True(t, taskSession.Active)

	dir, ok, err := e.store.ResolveForDirectory(e.repo)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, launch.SessionDir, dir, "registry keeps the launching session")
}

func TestRun_SkipsWithoutInvokingAgent(t *testing.T) {
	e := newEnv(t)
	done := e.archive(t, "done")
	require.NoError(t, SetStatus(done, StatusCompleted))
	require.NoError(t, os.MkdirAll(filepath.Join(e.jar.Root, "2026-05-06", "no-meta"), 0o755))

	orig := execCommand
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		t.Errorf("agent invoked: %s %v", name, args)
		return exec.CommandContext(ctx, "true")
	}
	t.Cleanup(func() { execCommand = orig })

	sum, err := e.runner(&lines{}, nil, "agent").Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, &Summary{Skipped: 2}, sum)
}

func TestRun_MissingSessionFails(t *testing.T) {
	e := newEnv(t)
	task := e.archive(t, "gone")
	require.NoError(t, os.RemoveAll(e.store.Dir(task.ID)))

	sum, err := e.runner(&lines{}, nil, "agent").Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.FileExists(t, filepath.Join(task.Dir, HandoffFile))
}

func TestRun_DateFilter(t *testing.T) {
	e := newEnv(t)
	e.archive(t, "today")

	ui := &lines{}
	sum, err := e.runner(ui, nil, "agent").Run(context.Background(), Options{Date: "2020-01-01"})
	require.NoError(t, err)
	assert.Equal(t, &Summary{}, sum)
	assert.Contains(t, ui.String(), "Task queue is empty")
}

func TestRun_LockHeld(t *testing.T) {
	e := newEnv(t)
	r := e.runner(&lines{}, nil, "agent")
	require.NoError(t, os.WriteFile(r.Lock.Path, []byte(strconv.Itoa(os.Getppid())), 0o644))

	obs := &countObserver{}
	r.Observer = obs
	_, err := r.Run(context.Background(), Options{})
	assert.True(t, errors.Is(err, runlock.ErrHeld))
	assert.True(t, errors.Is(obs.err, runlock.ErrHeld))
}

func TestRun_Worktree(t *testing.T) {
	e := newEnv(t)
	for _, args := range [][]string{
		{"git", "-C", e.repo, "init", "-b", "main"},
		{"git", "-C", e.repo, "config", "user.email", "test@test.com"},
		{"git", "-C", e.repo, "config", "user.name", "Test"},
		{"git", "-C", e.repo, "commit", "--allow-empty", "-m", "init"},
	} {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	task := e.archive(t, "isolated")

	orig := execCommand
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo done > result.txt")
	}
	t.Cleanup(func() { execCommand = orig })

	r := e.runner(&lines{}, nil, "agent")
	r.Worktrees = worktree.NewManager(git.NewClient(), filepath.Join(e.stateDir, "worktrees"), "")
	sum, err := r.Run(context.Background(), Options{Worktree: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)

	assert.FileExists(t, filepath.Join(e.repo, "result.txt"), "merged back")
	assert.NoDirExists(t, r.Worktrees.Dir(task.ID), "removed")

	s, err := session.Load(e.store.Dir(task.ID))
	require.NoError(t, err)
	assert.Equal(t, task.Meta.RepoPath, s.WorkingDir)
}

func TestWatch_RunNowAndStop(t *testing.T) {
	e := newEnv(t)
	ui := &lines{}
	ctx, cancel := context.WithCancel(context.Background())
	obs := &countObserver{}
	w := &Watcher{
		Runner:   e.runner(ui, obs, "agent"),
		Schedule: "@every 1h",
		RunNow:   true,
		Log:      logr.Discard(),
	}

	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()
	require.Eventually(t, func() bool { return strings.Contains(ui.String(), "Task queue is empty") }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_BadSchedule(t *testing.T) {
	w := &Watcher{Runner: newEnv(t).runner(&lines{}, nil, "x"), Schedule: "not a schedule", Log: logr.Discard()}
	assert.ErrorContains(t, w.Watch(context.Background()), "invalid schedule")
}

package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/joescharf/pickle/internal/runlock"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/worktree"
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

// Reporter receives progress lines. *output.UI satisfies it.
type Reporter interface {
	Info(format string, a ...any)
	Success(format string, a ...any)
	Warning(format string, a ...any)
	Error(format string, a ...any)
}

// Observer is told about every finished task and run.
type Observer interface {
	TaskFinished(status string, d time.Duration)
	RunFinished(err error, d time.Duration, at time.Time)
}

// Options select what a run processes.
type Options struct {
	// Date limits the run to one partition (YYYY-MM-DD).
	Date string
	// Worktree runs each task in its own git worktree.
	Worktree bool
	// KeepWorktree leaves the worktree in place afterwards.
	KeepWorktree bool
	// Cwd is where the run was started; its session is signalled at the end.
	Cwd string
}

// Summary counts what a run did.
type Summary struct {
	Completed int
	Failed    int
	Skipped   int
}

// Runner drains the jar sequentially.
type Runner struct {
	Jar         *Jar
	Sessions    *session.Store
	Worktrees   *worktree.Manager
	Lock        *runlock.Lock
	Observer    Observer
	UI          Reporter
	Command     string
	LoopCommand string
	Stdout      io.Writer
	Stderr      io.Writer
}

// Run processes every runnable task once, in day then id order.
func (r *Runner) Run(ctx context.Context, opts Options) (sum *Summary, err error) {
	started := time.Now()
	sum = &Summary{}
	if r.Observer != nil {
		defer func() { r.Observer.RunFinished(err, time.Since(started), time.Now()) }()
	}

	if r.Lock != nil {
		if err := r.Lock.Acquire(); err != nil {
			return sum, err
		}
		defer func() { _ = r.Lock.Release() }()
	}

	// Resolved before any task runs so task sessions sharing the
	// directory cannot take its place.
	launchDir := r.launchSession(opts.Cwd)

	days, err := r.Jar.Days()
	if err != nil {
		return sum, err
	}
	if opts.Date != "" {
		days = filterDay(days, opts.Date)
	}
	if len(days) == 0 {
		r.UI.Info("Task queue is empty. No tasks to run.")
		return sum, nil
	}

	for _, day := range days {
		tasks, err := r.Jar.Tasks(day)
		if err != nil {
			return sum, err
		}
		for i := range tasks {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			r.process(ctx, &tasks[i], opts, sum)
		}
	}

	r.signalComplete(launchDir)
	return sum, nil
}

func (r *Runner) process(ctx context.Context, t *Task, opts Options, sum *Summary) {
	if t.Meta == nil {
		r.UI.Warning("Skipping %s: %s missing", t.ID, MetaFile)
		sum.Skipped++
		return
	}
	if !t.Meta.Status.Runnable() {
		r.UI.Info("Skipping %s: status is %q", t.ID, t.Meta.Status)
		sum.Skipped++
		return
	}

	r.UI.Info("Processing task %s (%s)", t.ID, t.Meta.RepoPath)
	start := time.Now()
	runErr := r.execute(ctx, t, opts)

	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
		r.UI.Error("Task %s failed: %v", t.ID, runErr)
		if err := WriteHandoff(t, runErr); err != nil {
			r.UI.Warning("Could not write handoff for %s: %v", t.ID, err)
		}
		sum.Failed++
	} else {
		r.UI.Success("Task %s completed", t.ID)
		sum.Completed++
	}
	if err := SetStatus(t, status); err != nil {
		r.UI.Warning("Could not update status of %s: %v", t.ID, err)
	}
	if r.Observer != nil {
		r.Observer.TaskFinished(string(status), time.Since(start))
	}
}

// execute resumes the task's session and runs the agent loop on it.
func (r *Runner) execute(ctx context.Context, t *Task, opts Options) (err error) {
	sessionDir := r.Sessions.Dir(t.ID)
	if _, statErr := os.Stat(session.StatePath(sessionDir)); statErr != nil {
		return fmt.Errorf("session %s not found", t.ID)
	}

	cwd := t.Meta.RepoPath
	if opts.Worktree && r.Worktrees != nil {
		base := t.Meta.Branch
		if base == "unknown" {
			base = ""
		}
		wt, werr := r.Worktrees.Create(t.ID, base, t.Meta.RepoPath)
		if werr != nil {
			return fmt.Errorf("create worktree: %w", werr)
		}
		cwd = wt.Dir
		defer func() {
			err = r.finishWorktree(wt, t.Meta.RepoPath, opts.KeepWorktree, err)
			if !opts.KeepWorktree {
				_, _ = r.Sessions.Update(sessionDir, func(s *session.Session) error {
					s.WorkingDir = t.Meta.RepoPath
					return nil
				})
			}
		}()
	}

	if _, err := r.Sessions.Update(sessionDir, func(s *session.Session) error {
		s.Active = true
		s.WorkingDir = cwd
		s.AppendHistory(time.Now(), "queue-run", cwd)
		return nil
	}); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}

	cmd := execCommand(ctx, r.Command, r.LoopCommand, "--resume", sessionDir)
	cmd.Dir = cwd
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Env = append(os.Environ(), "PICKLE_STATE_FILE="+session.StatePath(sessionDir))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", r.Command, r.LoopCommand, err)
	}
	return nil
}

// finishWorktree merges a successful run back and removes the worktree
// unless asked to keep it. Cleanup problems are only reported.
func (r *Runner) finishWorktree(wt *worktree.Worktree, repo string, keep bool, runErr error) error {
	if runErr == nil {
		if res, err := r.Worktrees.Sync(wt.Dir, repo, wt.Branch); err != nil {
			runErr = fmt.Errorf("sync worktree: %w", err)
		} else if res.Merged > 0 {
			r.UI.Info("Merged %d commit(s) from %s", res.Merged, wt.Branch)
		}
	}
	if keep {
		r.UI.Warning("Worktree kept for review: %s", wt.Dir)
		return runErr
	}
	if err := r.Worktrees.Cleanup(wt.Dir, repo); err != nil {
		r.UI.Warning("Worktree cleanup: %v", err)
	}
	return runErr
}

// launchSession returns the session registered for cwd, or "" if none.
func (r *Runner) launchSession(cwd string) string {
	if cwd == "" {
		return ""
	}
	dir, ok, err := r.Sessions.ResolveForDirectory(cwd)
	if err != nil || !ok {
		return ""
	}
	return dir
}

// signalComplete marks the session that launched the run as done with the jar.
func (r *Runner) signalComplete(dir string) {
	if dir == "" {
		return
	}
	if _, err := r.Sessions.Update(dir, func(s *session.Session) error {
		s.JarComplete = true
		s.Active = false
		return nil
	}); err != nil {
		r.UI.Warning("Could not signal session completion: %v", err)
		return
	}
	r.UI.Info("Jar complete. Session deactivated.")
}

func filterDay(days []string, day string) []string {
	for _, d := range days {
		if d == day {
			return []string{d}
		}
	}
	return nil
}

// Validate checks a jar for tasks that can never run.
func (j *Jar) Validate() error {
	tasks, err := j.All()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, t := range tasks {
		if t.MetaErr != nil {
			result = multierror.Append(result, fmt.Errorf("%s/%s: %w", t.Day, t.ID, t.MetaErr))
		}
	}
	return result.ErrorOrNil()
}

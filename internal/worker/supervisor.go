// Package worker runs a single-ticket agent subprocess under a clamped
// timeout and judges it by the worker-done sentinel in its log.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/pickle/internal/decision"
	"github.com/joescharf/pickle/internal/session"
)

// Environment handed to the worker process.
const (
	EnvStateFile = "PICKLE_STATE_FILE"
	EnvRole      = "PICKLE_ROLE"
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

// Options describe one worker run.
type Options struct {
	Task       string
	TicketID   string
	TicketPath string
	// TicketFile is read into the prompt when it exists.
	TicketFile   string
	Timeout      time.Duration
	OutputFormat string
	// Command is the agent executable.
	Command  string
	StateDir string
	Cwd      string
	// Progress receives the spinner; nil disables it.
	Progress io.Writer
}

// Result is the outcome of a worker run. The log file is always kept.
type Result struct {
	Success   bool
	TimedOut  bool
	ExitCode  int
	LogPath   string
	TicketDir string
	StateFile string
	Requested time.Duration
	Timeout   time.Duration
	Clamped   bool
	Elapsed   time.Duration
}

// Validation is the human-readable verdict.
func (r *Result) Validation() string {
	if r.Success {
		return "successful"
	}
	return "failed"
}

// Supervisor launches workers.
type Supervisor struct {
	Now func() time.Time
	// Pid names the log file; defaults to the current process id.
	Pid int
	// Tick is the progress refresh interval.
	Tick time.Duration
}

// NewSupervisor returns a Supervisor with real clock and pid.
func NewSupervisor() *Supervisor {
	return &Supervisor{Now: time.Now, Pid: os.Getpid(), Tick: time.Second}
}

// TicketDir normalises a ticket path: a markdown file or any existing file
// stands for its directory.
func TicketDir(p string) string {
	if strings.HasSuffix(p, ".md") {
		return filepath.Dir(p)
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return filepath.Dir(p)
	}
	return p
}

// IncludeDirs lists the directories exposed to the worker, skipping missing ones.
func IncludeDirs(stateDir, ticketDir string) []string {
	var dirs []string
	for _, d := range []string{stateDir, filepath.Join(stateDir, "skills"), ticketDir} {
		if d == "" {
			continue
		}
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Args builds the agent command line.
func Args(includes []string, outputFormat, prompt string) []string {
	args := []string{"-s", "-y"}
	for _, d := range includes {
		args = append(args, "--include-directories", d)
	}
	if outputFormat != "" && outputFormat != "text" {
		args = append(args, "-o", outputFormat)
	}
	return append(args, "-p", prompt)
}

// Run executes the worker and blocks until it exits, times out or ctx is
// cancelled. The error is reserved for failures to launch; a worker that
// runs and fails is reported through Result.
func (s *Supervisor) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.TicketID == "" || opts.TicketPath == "" {
		return nil, errors.New("ticket id and ticket path are required")
	}
	if opts.Command == "" {
		return nil, errors.New("agent command is not configured")
	}
	now := s.now()

	dir, err := filepath.Abs(TicketDir(opts.TicketPath))
	if err != nil {
		return nil, fmt.Errorf("resolve ticket path: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ticket dir: %w", err)
	}

	res := &Result{TicketDir: dir, Requested: opts.Timeout}
	statePath, found := StateFor(dir)
	res.Timeout, res.Clamped = EffectiveTimeout(opts.Timeout, statePath, now)
	res.StateFile = statePath
	if !found {
		res.StateFile = session.StatePath(dir)
	}

	var content string
	if opts.TicketFile != "" {
		if data, err := os.ReadFile(opts.TicketFile); err == nil {
			content = string(data)
		}
	}
	prompt := BuildPrompt(LoadTemplate(opts.StateDir), PromptInput{
		Task:          opts.Task,
		TicketID:      opts.TicketID,
		TicketDir:     dir,
		TicketContent: content,
		SessionRoot:   filepath.Dir(dir),
		StateDir:      opts.StateDir,
	})
	args := Args(IncludeDirs(opts.StateDir, dir), opts.OutputFormat, prompt)

	pid := s.Pid
	if pid == 0 {
		pid = os.Getpid()
	}
	res.LogPath = filepath.Join(dir, fmt.Sprintf("worker_session_%d.log", pid))
	logFile, err := os.Create(res.LogPath)
	if err != nil {
		return nil, fmt.Errorf("create worker log: %w", err)
	}
	defer logFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, res.Timeout)
	defer cancel()

	cmd := execCommand(runCtx, opts.Command, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), EnvStateFile+"="+res.StateFile, EnvRole+"="+string(decision.RoleWorker))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.WaitDelay = 2 * time.Second
	killGroupOnCancel(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	var waitErr error
	exited := make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(exited)
		waitErr = cmd.Wait()
		return nil
	})
	g.Go(func() error {
		s.progress(gctx, exited, opts.Progress, start)
		return nil
	})
	_ = g.Wait()

	res.Elapsed = time.Since(start)
	res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && cmd.ProcessState == nil {
		return res, fmt.Errorf("wait for worker: %w", waitErr)
	}

	_ = logFile.Sync()
	logged, err := os.ReadFile(res.LogPath)
	if err != nil {
		return res, fmt.Errorf("read worker log: %w", err)
	}
	res.Success = !res.TimedOut && ctx.Err() == nil &&
		bytes.Contains(logged, []byte(decision.Wrap(decision.TokenWorkerDone)))
	return res, nil
}

// progress keeps a spinner with the elapsed time running until the worker
// exits or the run is cancelled.
func (s *Supervisor) progress(ctx context.Context, exited <-chan struct{}, w io.Writer, start time.Time) {
	var sp *spinner.Spinner
	if w != nil {
		sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
		sp.Suffix = " Worker Active... [00:00]"
		sp.Start()
		defer sp.Stop()
	}

	tick := s.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-exited:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sp != nil {
				sp.Lock()
				sp.Suffix = " Worker Active... [" + FormatElapsed(time.Since(start)) + "]"
				sp.Unlock()
			}
		}
	}
}

// FormatElapsed renders d as mm:ss, or hh:mm:ss past an hour.
func FormatElapsed(d time.Duration) string {
	secs := int(d.Seconds())
	h, m, sec := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

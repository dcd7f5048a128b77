package hook

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/joescharf/pickle/internal/decision"
	"github.com/joescharf/pickle/internal/session"
)

// Recorder receives every hook verdict for the event ledger. Failures are logged and ignored.
type Recorder interface {
	RecordHook(ctx context.Context, s *session.Session, hook, verdict, message string) error
}

// Env is the process context a hook runs in.
type Env struct {
	Cwd string
	// StateFile is PICKLE_STATE_FILE; it wins over the registry.
	StateFile string
	// Role is PICKLE_ROLE.
	Role string
	// StateDir holds debug.log and last_workspace.txt.
	StateDir string
}

// Runner dispatches named hooks and guarantees a reply.
type Runner struct {
	Store    *session.Store
	Engine   *decision.Engine
	Recorder Recorder
	Env      Env
	Logs     *LogFiles
	Now      func() time.Time
}

// NewRunner returns a Runner logging to <StateDir>/debug.log.
func NewRunner(st *session.Store, env Env) *Runner {
	logs := NewLogFiles()
	if env.StateDir != "" {
		logs.Add(filepath.Join(env.StateDir, "debug.log"))
	}
	return &Runner{
		Store:  st,
		Engine: decision.NewEngine(),
		Env:    env,
		Logs:   logs,
		Now:    time.Now,
	}
}

type handlerFunc func(c *call) (Response, error)

var handlers = map[string]handlerFunc{
	"stop":                stopHook,
	"increment-iteration": incrementHook,
	"check-limit":         checkLimitHook,
	"reinforce-persona":   reinforcePersonaHook,
}

// Names lists the registered hooks.
func Names() []string {
	names := make([]string, 0, len(handlers))
	for n := range handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a registered hook.
func Known(name string) bool {
	_, ok := handlers[name]
	return ok
}

// call is the per-invocation context handed to a handler.
type call struct {
	*Runner
	ctx   context.Context
	name  string
	input Input
	log   logr.Logger
}

// Run executes hook name and always writes exactly one reply line to stdout.
// Handler errors and panics are logged and turned into an allow reply; the
// returned error only reports a failure to write that reply.
func (r *Runner) Run(ctx context.Context, name string, stdin io.Reader, stdout io.Writer) (err error) {
	if r.Logs == nil {
		r.Logs = NewLogFiles()
	}
	log := NewLogger(r.Logs).WithValues("hook", name, "cwd", r.Env.Cwd)
	resp := Allow()

	defer func() {
		if p := recover(); p != nil {
			log.Error(fmt.Errorf("%v", p), "hook panicked")
			resp = Allow()
		}
		err = WriteResponse(stdout, resp)
	}()

	h, ok := handlers[name]
	if !ok {
		log.Info("unknown hook")
		return nil
	}

	input, rerr := ReadInput(stdin)
	if rerr != nil {
		log.Error(rerr, "bad hook input")
		return nil
	}
	r.rememberWorkspace(input.Cwd)

	out, herr := h(&call{Runner: r, ctx: ctx, name: name, input: input, log: log})
	if herr != nil {
		log.Error(herr, "hook failed")
		return nil
	}
	resp = out
	return nil
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) rememberWorkspace(cwd string) {
	if cwd == "" || r.Env.StateDir == "" {
		return
	}
	_ = os.WriteFile(filepath.Join(r.Env.StateDir, "last_workspace.txt"), []byte(cwd), 0o644)
}

// stateFile resolves the record this call acts on and starts mirroring the
// log into the session's hooks.log.
func (c *call) stateFile() (string, bool) {
	if c.Store == nil {
		return "", false
	}
	path, ok, err := c.Store.ResolveStateFile(c.Env.Cwd, c.Env.StateFile)
	if err != nil {
		c.log.Error(err, "resolve state file")
		return "", false
	}
	if !ok {
		c.log.V(1).Info("no state file")
		return "", false
	}
	c.Logs.Add(filepath.Join(filepath.Dir(path), "hooks.log"))
	return path, true
}

// load returns the session for this call when it is active and in scope.
func (c *call) load() (*session.Session, string, bool, error) {
	path, ok := c.stateFile()
	if !ok {
		return nil, "", false, nil
	}
	s, err := session.LoadFile(path)
	if err != nil {
		return nil, path, false, err
	}
	if !s.InScope(c.Env.Cwd) {
		c.log.Info("cwd mismatch", "workingDir", s.WorkingDir)
		return s, path, false, nil
	}
	if !s.Active {
		return s, path, false, nil
	}
	return s, path, true, nil
}

func (c *call) role() decision.Role {
	if c.Env.Role == string(decision.RoleWorker) {
		return decision.RoleWorker
	}
	return decision.RoleArchitect
}

func (c *call) record(s *session.Session, verdict, message string) {
	if c.Recorder == nil || s == nil {
		return
	}
	if err := c.Recorder.RecordHook(c.ctx, s, c.name, verdict, message); err != nil {
		c.log.Error(err, "record hook event")
	}
}

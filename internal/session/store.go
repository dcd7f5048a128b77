package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StateFileName is the session record inside a session directory.
const StateFileName = "state.json"

var (
	// ErrNotFound means there is no state.json where one was expected.
	ErrNotFound = errors.New("session not found")
	// ErrNoTarget means a resume target could not be resolved to a session directory.
	ErrNoTarget = errors.New("could not find session to resume")
)

// Limits are the per-session budgets. Zero means unbounded for the first two.
type Limits struct {
	MaxIterations        int
	MaxTimeMinutes       int
	WorkerTimeoutSeconds int
}

// DefaultLimits mirrors the built-in configuration defaults.
var DefaultLimits = Limits{MaxIterations: 5, MaxTimeMinutes: 60, WorkerTimeoutSeconds: 1200}

// StatePath returns the state.json path for a session directory.
func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

// Load reads the session stored in dir. A missing file yields ErrNotFound.
func Load(dir string) (*Session, error) {
	return LoadFile(StatePath(dir))
}

// LoadFile reads a session record from an explicit state.json path.
func LoadFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Save overwrites dir/state.json.
func Save(dir string, s *Session) error {
	return SaveFile(StatePath(dir), s)
}

// SaveFile overwrites the record at path. There is no locking: the last writer wins.
func SaveFile(path string, s *Session) error {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Store creates, resolves and lists sessions under a sessions root.
type Store struct {
	SessionsDir string
	Registry    Registry
	Now         func() time.Time
}

// NewStore returns a Store rooted at sessionsDir.
func NewStore(sessionsDir string, reg Registry) *Store {
	return &Store{SessionsDir: sessionsDir, Registry: reg, Now: time.Now}
}

func (st *Store) now() time.Time {
	if st.Now != nil {
		return st.Now()
	}
	return time.Now()
}

// Dir returns the directory for a session id.
func (st *Store) Dir(id string) string {
	return filepath.Join(st.SessionsDir, id)
}

// NewID returns an id of the form YYYY-MM-DD-<8 hex>.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.Format("2006-01-02") + "-" + suffix
}

// CreateOptions describes a fresh session.
type CreateOptions struct {
	WorkingDir        string
	Prompt            string
	Limits            Limits
	CompletionPromise string
	Paused            bool
}

// Create allocates a session directory, writes the initial record and
// registers WorkingDir -> session directory.
func (st *Store) Create(opts CreateOptions) (*Session, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, fmt.Errorf("no task specified")
	}
	now := st.now()
	dir := st.Dir(NewID(now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Session{
		SchemaVersion:        SchemaVersion,
		Active:               !opts.Paused,
		WorkingDir:           normalizePath(opts.WorkingDir),
		Step:                 StepPRD,
		Iteration:            0,
		MaxIterations:        opts.Limits.MaxIterations,
		MaxTimeMinutes:       opts.Limits.MaxTimeMinutes,
		WorkerTimeoutSeconds: opts.Limits.WorkerTimeoutSeconds,
		StartTimeEpoch:       now.Unix(),
		OriginalPrompt:       strings.TrimSpace(opts.Prompt),
		History:              []json.RawMessage{},
		StartedAt:            now.UTC().Format(time.RFC3339),
		SessionDir:           dir,
	}
	s.SetCompletionToken(opts.CompletionPromise)

	if err := Save(dir, s); err != nil {
		return nil, err
	}
	if st.Registry != nil {
		if err := st.Registry.Register(s.WorkingDir, dir); err != nil {
			return nil, fmt.Errorf("register session: %w", err)
		}
	}
	return s, nil
}

// ResolveForDirectory returns the registered session directory for cwd.
func (st *Store) ResolveForDirectory(cwd string) (string, bool, error) {
	if st.Registry == nil {
		return "", false, nil
	}
	return st.Registry.Lookup(cwd)
}

// ResolveStateFile picks the state file a hook should act on: an explicit
// override wins, then the registry entry for cwd.
func (st *Store) ResolveStateFile(cwd, override string) (string, bool, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", false, nil
		}
		return override, true, nil
	}
	dir, ok, err := st.ResolveForDirectory(cwd)
	if err != nil || !ok {
		return "", false, err
	}
	path := StatePath(dir)
	if _, err := os.Stat(path); err != nil {
		return "", false, nil
	}
	return path, true, nil
}

// ResolveTarget turns a resume target into a session directory. The target
// is tried as a path, then as an id under SessionsDir, then as a substring of
// an existing id. An empty target falls back to the registry entry for cwd.
func (st *Store) ResolveTarget(target, cwd string) (string, error) {
	if target == "" {
		dir, ok, err := st.ResolveForDirectory(cwd)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w (active session map)", ErrNoTarget)
		}
		return dir, nil
	}

	if isDir(target) {
		return normalizePath(target), nil
	}
	if byID := st.Dir(target); isDir(byID) {
		return byID, nil
	}

	ids, err := st.ids()
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if strings.Contains(id, target) {
			return st.Dir(id), nil
		}
	}
	return "", fmt.Errorf("%w (path/ID: %s)", ErrNoTarget, target)
}

// ResumeOptions describes how an existing session is reactivated.
// Nil limit fields keep the stored values.
type ResumeOptions struct {
	Target               string
	Cwd                  string
	Reset                bool
	Paused               bool
	MaxIterations        *int
	MaxTimeMinutes       *int
	WorkerTimeoutSeconds *int
	CompletionPromise    string
}

// Resume reactivates (or pauses) an existing session and re-registers cwd.
func (st *Store) Resume(opts ResumeOptions) (*Session, error) {
	dir, err := st.ResolveTarget(opts.Target, opts.Cwd)
	if err != nil {
		return nil, err
	}
	s, err := Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", dir, err)
	}

	now := st.now()
	s.Active = !opts.Paused
	if opts.Reset {
		s.Iteration = 0
		s.StartTimeEpoch = now.Unix()
		s.LastIncrementMs = 0
		s.AppendHistory(now, "reset", "")
	}
	s.AppendHistory(now, "resume", "")
	if opts.MaxIterations != nil {
		s.MaxIterations = *opts.MaxIterations
	}
	if opts.MaxTimeMinutes != nil {
		s.MaxTimeMinutes = *opts.MaxTimeMinutes
	}
	if opts.WorkerTimeoutSeconds != nil {
		s.WorkerTimeoutSeconds = *opts.WorkerTimeoutSeconds
	}
	if opts.CompletionPromise != "" {
		s.SetCompletionToken(opts.CompletionPromise)
	}
	if s.SessionDir == "" {
		s.SessionDir = dir
	}

	if err := Save(dir, s); err != nil {
		return nil, err
	}
	if st.Registry != nil && opts.Cwd != "" {
		if err := st.Registry.Register(opts.Cwd, dir); err != nil {
			return nil, fmt.Errorf("register session: %w", err)
		}
	}
	return s, nil
}

// Cancel deactivates the session registered for cwd.
func (st *Store) Cancel(cwd string) (*Session, error) {
	dir, ok, err := st.ResolveForDirectory(cwd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return st.Update(dir, func(s *Session) error {
		s.Active = false
		s.AppendHistory(st.now(), "cancel", "")
		return nil
	})
}

// Update loads the session in dir, applies fn and saves the result.
func (st *Store) Update(dir string, fn func(*Session) error) (*Session, error) {
	s, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := Save(dir, s); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns every session under SessionsDir, newest first. Directories
// without a readable state.json are returned as inactive placeholders.
func (st *Store) List() ([]*Session, error) {
	ids, err := st.ids()
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		dir := st.Dir(id)
		s, err := Load(dir)
		if err != nil {
			s = &Session{SchemaVersion: SchemaVersion, Step: "unknown"}
		}
		if s.SessionDir == "" {
			s.SessionDir = dir
		}
		sessions = append(sessions, s)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	return sessions, nil
}

func (st *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(st.SessionsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Package queue implements the jar: a date-partitioned queue of archived
// sessions that are resumed unattended, one at a time.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/pickle/internal/session"
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusMarinating Status = "marinating"
	StatusCompleted  Status = "completed"
	StatusConsumed   Status = "consumed"
	StatusArchived   Status = "archived"
	StatusFailed     Status = "failed"
)

// Runnable reports whether the runner should pick the task up.
func (s Status) Runnable() bool {
	return s == StatusQueued || s == StatusMarinating
}

// File names inside a task directory.
const (
	MetaFile    = "meta.json"
	PRDFile     = "prd.md"
	HandoffFile = "handoff.md"
)

// DayLayout names the date partitions.
const DayLayout = "2006-01-02"

// ArchivedPromise is written as the completion token of an archived session.
const ArchivedPromise = "ARCHIVED"

// Meta is the meta.json of a task.
type Meta struct {
	RepoPath  string `json:"repo_path"`
	Branch    string `json:"branch"`
	PRDPath   string `json:"prd_path"`
	CreatedAt string `json:"created_at"`
	TaskID    string `json:"task_id"`
	Status    Status `json:"status"`
}

// Task is one entry of the jar. Meta is nil when meta.json is missing or unreadable.
type Task struct {
	Day     string
	ID      string
	Dir     string
	Meta    *Meta
	MetaErr error
}

// Jar is the queue rooted at Root.
type Jar struct {
	Root string
	Now  func() time.Time
}

// NewJar returns a Jar rooted at root.
func NewJar(root string) *Jar {
	return &Jar{Root: root, Now: time.Now}
}

func (j *Jar) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Days lists the date partitions in ascending order.
func (j *Jar) Days() ([]string, error) {
	return subdirs(j.Root)
}

// Tasks lists the tasks of one day in ascending id order.
func (j *Jar) Tasks(day string) ([]Task, error) {
	dayDir := filepath.Join(j.Root, day)
	ids, err := subdirs(dayDir)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		t := Task{Day: day, ID: id, Dir: filepath.Join(dayDir, id)}
		t.Meta, t.MetaErr = ReadMeta(t.Dir)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// All lists every task, oldest day first.
func (j *Jar) All() ([]Task, error) {
	days, err := j.Days()
	if err != nil {
		return nil, err
	}
	var all []Task
	for _, day := range days {
		tasks, err := j.Tasks(day)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	return all, nil
}

// ReadMeta loads dir/meta.json.
func ReadMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetaFile, err)
	}
	return &m, nil
}

// WriteMeta overwrites dir/meta.json.
func WriteMeta(dir string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, MetaFile), data, 0o644)
}

// SetStatus rewrites the status of t.
func SetStatus(t *Task, status Status) error {
	if t.Meta == nil {
		return fmt.Errorf("task %s has no meta", t.ID)
	}
	t.Meta.Status = status
	return WriteMeta(t.Dir, t.Meta)
}

// WriteHandoff records why a task failed.
func WriteHandoff(t *Task, cause error) error {
	body := fmt.Sprintf("# Handoff: Task %s\n\nTask failed during execution.\nError: %v\n", t.ID, cause)
	return os.WriteFile(filepath.Join(t.Dir, HandoffFile), []byte(body), 0o644)
}

// BranchReader is the git call archive needs.
type BranchReader interface {
	CurrentBranch(path string) (string, error)
}

// Add archives the session in sessionDir into today's partition and
// deactivates it.
func (j *Jar) Add(sessionDir string, git BranchReader) (*Task, error) {
	s, err := session.Load(sessionDir)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%s not found in %s", session.StateFileName, sessionDir)
	}
	if err != nil {
		return nil, err
	}
	if s.WorkingDir == "" {
		return nil, fmt.Errorf("working_dir not found in %s", session.StatePath(sessionDir))
	}
	prdSrc := filepath.Join(sessionDir, PRDFile)
	if _, err := os.Stat(prdSrc); err != nil {
		return nil, fmt.Errorf("%s not found in %s", PRDFile, sessionDir)
	}

	branch := "unknown"
	if git != nil {
		if b, err := git.CurrentBranch(s.WorkingDir); err == nil && strings.TrimSpace(b) != "" {
			branch = strings.TrimSpace(b)
		}
	}

	now := j.now()
	id := filepath.Base(sessionDir)
	t := &Task{Day: now.Format(DayLayout), ID: id}
	t.Dir = filepath.Join(j.Root, t.Day, id)
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	if err := copyFile(prdSrc, filepath.Join(t.Dir, PRDFile)); err != nil {
		return nil, err
	}

	t.Meta = &Meta{
		RepoPath:  s.WorkingDir,
		Branch:    branch,
		PRDPath:   PRDFile,
		CreatedAt: now.Format(time.RFC3339),
		TaskID:    id,
		Status:    StatusQueued,
	}
	if err := WriteMeta(t.Dir, t.Meta); err != nil {
		return nil, err
	}

	s.Active = false
	s.SetCompletionToken(ArchivedPromise)
	s.AppendHistory(now, "archive", t.Dir)
	if err := session.Save(sessionDir, s); err != nil {
		return nil, err
	}
	return t, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Package worktree manages the per-session git worktrees workers run in.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/joescharf/pickle/internal/git"
)

// DefaultBranchPrefix namespaces session branches.
const DefaultBranchPrefix = "pickle"

// Worktree is an isolated checkout bound to one session.
type Worktree struct {
	Dir    string
	Branch string
}

// SyncResult reports what Sync did.
type SyncResult struct {
	Committed bool
	Merged    int
}

// Manager creates, syncs and removes session worktrees under Root.
type Manager struct {
	Git          git.Client
	Root         string
	BranchPrefix string
}

// NewManager returns a Manager placing worktrees under root.
func NewManager(client git.Client, root, branchPrefix string) *Manager {
	if branchPrefix == "" {
		branchPrefix = DefaultBranchPrefix
	}
	return &Manager{Git: client, Root: root, BranchPrefix: branchPrefix}
}

// BranchName is the deterministic branch for a session.
func (m *Manager) BranchName(sessionID string) string {
	return m.BranchPrefix + "/session-" + sessionID
}

// Dir is the deterministic worktree directory for a session.
func (m *Manager) Dir(sessionID string) string {
	return filepath.Join(m.Root, "session-"+sessionID)
}

// Create checks out a fresh worktree for sessionID based on base (the current
// branch of workingDir when empty). A leftover directory from an earlier run
// is removed first.
func (m *Manager) Create(sessionID, base, workingDir string) (*Worktree, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	repo := m.RepoRoot(workingDir)
	wt := &Worktree{Dir: m.Dir(sessionID), Branch: m.BranchName(sessionID)}

	if _, err := os.Stat(wt.Dir); err == nil {
		if err := m.Cleanup(wt.Dir, repo); err != nil {
			return nil, fmt.Errorf("clean stale worktree: %w", err)
		}
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := m.Git.WorktreePrune(repo); err != nil {
		return nil, err
	}
	if err := m.Git.WorktreeAdd(repo, wt.Dir, wt.Branch, base); err != nil {
		return nil, err
	}
	return wt, nil
}

// RepoRoot resolves the top of the working tree containing dir. Outside a
// repository dir is returned unchanged and callers run unisolated.
func (m *Manager) RepoRoot(dir string) string {
	root, err := m.Git.RepoRoot(dir)
	if err != nil || root == "" {
		return dir
	}
	return root
}

// Sync commits any pending changes in the worktree and merges its branch back
// into originalDir. The worktree shares the object store with the original
// checkout, so no fetch is needed.
func (m *Manager) Sync(worktreeDir, originalDir, branch string) (SyncResult, error) {
	var res SyncResult
	dirty, err := m.Git.IsDirty(worktreeDir)
	if err != nil {
		return res, err
	}
	if dirty {
		if err := m.Git.AddAll(worktreeDir); err != nil {
			return res, err
		}
		if err := m.Git.Commit(worktreeDir, "pickle: sync "+branch); err != nil {
			return res, err
		}
		res.Committed = true
	}

	ahead, err := m.Git.CommitsAhead(originalDir, branch)
	if err != nil {
		return res, err
	}
	if ahead == 0 {
		return res, nil
	}
	if err := m.Git.Merge(originalDir, branch); err != nil {
		return res, err
	}
	res.Merged = ahead
	return res, nil
}

// Cleanup removes the worktree and prunes its registration. A worktree that
// is already gone only gets the prune.
func (m *Manager) Cleanup(worktreeDir, originalDir string) error {
	repo := m.RepoRoot(originalDir)
	var result *multierror.Error

	if _, err := os.Stat(worktreeDir); err == nil {
		if err := m.Git.WorktreeRemove(repo, worktreeDir); err != nil {
			if rmErr := os.RemoveAll(worktreeDir); rmErr != nil {
				result = multierror.Append(result, err, rmErr)
			}
		}
	}
	if err := m.Git.WorktreePrune(repo); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

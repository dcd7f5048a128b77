// Package git wraps the git executable for the worktree and queue workflows.
package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client is the set of git operations pickle needs. Every method takes the
// directory to run in.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	IsDirty(path string) (bool, error)
	AddAll(path string) error
	Commit(path, message string) error
	Merge(path, branch string) error
	CommitsAhead(path, branch string) (int, error)
	WorktreeList(path string) ([]WorktreeInfo, error)
	WorktreeAdd(path, dir, branch, base string) error
	WorktreeRemove(path, dir string) error
	WorktreePrune(path string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			msg := strings.TrimSpace(string(exitErr.Stderr))
			if msg == "" {
				msg = strings.TrimSpace(string(out))
			}
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) AddAll(path string) error {
	_, err := gitCmd(path, "add", "-A")
	return err
}

func (c *RealClient) Commit(path, message string) error {
	_, err := gitCmd(path, "commit", "-m", message)
	return err
}

func (c *RealClient) Merge(path, branch string) error {
	_, err := gitCmd(path, "merge", "--no-edit", branch)
	return err
}

// CommitsAhead counts commits reachable from branch but not from HEAD of path.
func (c *RealClient) CommitsAhead(path, branch string) (int, error) {
	out, err := gitCmd(path, "rev-list", "--count", "HEAD.."+branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

func (c *RealClient) WorktreeList(path string) ([]WorktreeInfo, error) {
	out, err := gitCmd(path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// WorktreeAdd checks out branch at dir, resetting the branch to base if it
// already exists. An empty base means the current HEAD.
func (c *RealClient) WorktreeAdd(path, dir, branch, base string) error {
	args := []string{"worktree", "add", "-B", branch, dir}
	if base != "" {
		args = append(args, base)
	}
	_, err := gitCmd(path, args...)
	return err
}

func (c *RealClient) WorktreeRemove(path, dir string) error {
	_, err := gitCmd(path, "worktree", "remove", "--force", dir)
	return err
}

func (c *RealClient) WorktreePrune(path string) error {
	_, err := gitCmd(path, "worktree", "prune")
	return err
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

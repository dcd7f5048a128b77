package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/output"
)

var (
	worktreeBase   string
	worktreeBranch string
	worktreeOrig   string
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage session worktrees",
	Long:    "Create, sync and remove the git worktrees workers run in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktrees of the current repository",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Create the worktree for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCreateRun(args[0])
	},
}

var worktreeSyncCmd = &cobra.Command{
	Use:   "sync <worktree-dir>",
	Short: "Commit worktree changes and merge them into the original checkout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeSyncRun(args[0])
	},
}

var worktreeCleanupCmd = &cobra.Command{
	Use:   "cleanup <worktree-dir>",
	Short: "Remove a worktree and prune its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCleanupRun(args[0])
	},
}

var worktreeRootCmd = &cobra.Command{
	Use:   "root [dir]",
	Short: "Print the repository root of dir (default: cwd)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) > 0 {
			dir = args[0]
		}
		return worktreeRootRun(dir)
	},
}

func init() {
	worktreeCreateCmd.Flags().StringVar(&worktreeBase, "base", "", "Branch to start from (default: current branch)")
	worktreeSyncCmd.Flags().StringVar(&worktreeBranch, "branch", "", "Worktree branch to merge (required)")
	_ = worktreeSyncCmd.MarkFlagRequired("branch")
	for _, c := range []*cobra.Command{worktreeSyncCmd, worktreeCleanupCmd} {
		c.Flags().StringVar(&worktreeOrig, "original", "", "Original checkout (default: cwd)")
	}

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeSyncCmd)
	worktreeCmd.AddCommand(worktreeCleanupCmd)
	worktreeCmd.AddCommand(worktreeRootCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func originalDir() (string, error) {
	if worktreeOrig != "" {
		return worktreeOrig, nil
	}
	return cwdFunc()
}

func worktreeListRun() error {
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}
	wts, err := gitClient().WorktreeList(cwd)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if len(wts) == 0 {
		ui.Info("No worktrees found.")
		return nil
	}
	table := ui.Table([]string{"Branch", "Path"})
	for _, w := range wts {
		_ = table.Append([]string{output.Cyan(w.Branch), w.Path})
	}
	return table.Render()
}

func worktreeCreateRun(sessionID string) error {
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}
	m := worktreeManager()
	if dryRun {
		ui.DryRunMsg("Would create %s on branch %s", m.Dir(sessionID), m.BranchName(sessionID))
		return nil
	}
	wt, err := m.Create(sessionID, worktreeBase, cwd)
	if err != nil {
		return err
	}
	ui.Success("Created worktree %s (%s)", wt.Dir, output.Cyan(wt.Branch))
	fmt.Fprintln(ui.Out, wt.Dir)
	return nil
}

func worktreeSyncRun(dir string) error {
	orig, err := originalDir()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would merge %s from %s into %s", worktreeBranch, dir, orig)
		return nil
	}
	res, err := worktreeManager().Sync(dir, orig, worktreeBranch)
	if err != nil {
		return err
	}
	if res.Committed {
		ui.Info("Committed pending changes in %s", dir)
	}
	if res.Merged == 0 {
		ui.Info("Nothing to merge from %s", worktreeBranch)
		return nil
	}
	ui.Success("Merged %d commit(s) from %s", res.Merged, output.Cyan(worktreeBranch))
	return nil
}

func worktreeCleanupRun(dir string) error {
	orig, err := originalDir()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove worktree %s", dir)
		return nil
	}
	if err := worktreeManager().Cleanup(dir, orig); err != nil {
		return err
	}
	ui.Success("Removed worktree %s", dir)
	return nil
}

func worktreeRootRun(dir string) error {
	if dir == "" {
		cwd, err := cwdFunc()
		if err != nil {
			return err
		}
		dir = cwd
	}
	fmt.Fprintln(ui.Out, worktreeManager().RepoRoot(dir))
	return nil
}

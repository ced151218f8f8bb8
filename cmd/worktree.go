package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/sitedit/internal/output"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage user worktrees",
	Long:    "List and remove the per-user git worktrees of the site repository.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktrees",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "remove <branch>",
	Aliases: []string{"rm"},
	Short:   "Remove a branch and its worktree",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(cmd.Context(), args[0])
	},
}

func init() {
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	g := newGitManager()
	wts, err := g.ListWorktrees(ctx)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if len(wts) == 0 {
		ui.Info("No worktrees found.")
		return nil
	}

	table := ui.Table([]string{"Branch", "Head", "Path"})
	for _, w := range wts {
		head := w.HEAD
		if len(head) > 8 {
			head = head[:8]
		}
		_ = table.Append([]string{output.Cyan(w.Branch), head, w.Path})
	}
	return table.Render()
}

func worktreeRemoveRun(ctx context.Context, branch string) error {
	ctx = ctxOrBackground(ctx)
	if dryRun {
		ui.DryRunMsg("Would remove worktree and branch %s", branch)
		return nil
	}
	res, err := newGitManager().RemoveWorktree(ctx, branch)
	if err != nil {
		return err
	}
	if !res.Removed {
		ui.Info("%s", res.Message)
		return nil
	}
	ui.Success("Removed %s", output.Cyan(branch))
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/output"
)

var (
	queueStatus   string
	queueShowDiff bool
	queueBy       string
	queueNote     string
	queueDays     int
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Review submitted change requests",
	Long: `List, inspect, approve and reject change requests.

Approving merges the request's branch into main and removes its worktree.
Rejecting discards the branch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List change requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun(cmd.Context())
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a change request and its changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueShowRun(cmd.Context(), args[0])
	},
}

var queueApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Merge a pending request into main",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueApproveRun(cmd.Context(), args[0])
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request and discard its branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRejectRun(cmd.Context(), args[0])
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count requests by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueStatsRun(cmd.Context())
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge requests older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueCleanupRun(cmd.Context())
	},
}

func init() {
	queueListCmd.Flags().StringVarP(&queueStatus, "status", "s", "", "filter by status (pending, approved, rejected, cancelled)")
	queueCmd.Flags().StringVarP(&queueStatus, "status", "s", "", "filter by status")
	queueShowCmd.Flags().BoolVarP(&queueShowDiff, "diff", "d", false, "print the full diff")
	for _, c := range []*cobra.Command{queueApproveCmd, queueRejectCmd} {
		c.Flags().StringVar(&queueBy, "by", "", "reviewer name (required)")
		c.Flags().StringVar(&queueNote, "note", "", "review note")
		_ = c.MarkFlagRequired("by")
	}
	queueCleanupCmd.Flags().IntVar(&queueDays, "days", 0, "retention in days (default queue.retention_days)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueApproveCmd)
	queueCmd.AddCommand(queueRejectCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func queueListRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	status := models.RequestStatus(queueStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status %q", queueStatus)
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reqs, err := a.queue.GetAll(ctx, status)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		ui.Info("No change requests.")
		return nil
	}

	table := ui.Table([]string{"ID", "User", "Status", "Submitted", "Description"})
	for _, r := range reqs {
		_ = table.Append([]string{
			output.Cyan(r.ID),
			r.Username,
			output.StatusColor(string(r.Status)),
			timeAgo(r.SubmittedAt),
			output.Truncate(r.Description, 60),
		})
	}
	return table.Render()
}

func queueShowRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.review.Details(ctx, id)
	if err != nil {
		return err
	}
	out := ui.Out
	fmt.Fprintf(out, "%s  %s\n", output.Cyan(d.ID), output.StatusColor(string(d.Status)))
	fmt.Fprintf(out, "  User:        %s\n", d.Username)
	fmt.Fprintf(out, "  Branch:      %s\n", d.BranchName)
	fmt.Fprintf(out, "  Submitted:   %s (%s)\n", d.SubmittedAt.Local().Format(time.DateTime), timeAgo(d.SubmittedAt))
	fmt.Fprintf(out, "  Description: %s\n", d.Description)
	if d.ReviewedBy != "" {
		fmt.Fprintf(out, "  Reviewed by: %s\n", d.ReviewedBy)
	}
	if d.ReviewNote != "" {
		fmt.Fprintf(out, "  Note:        %s\n", d.ReviewNote)
	}
	if !d.BranchExists {
		fmt.Fprintln(out)
		ui.Info("Branch no longer exists.")
		return nil
	}
	if d.Branch != nil && d.Branch.BehindMain {
		ui.Warning("Branch is %d commit(s) behind %s", d.Branch.Behind, a.git.MainBranch())
	}
	fmt.Fprintf(out, "\nChanged files:\n")
	for _, f := range d.ChangedFiles {
		fmt.Fprintf(out, "  %s\n", f)
	}
	if queueShowDiff {
		fmt.Fprintf(out, "\n%s\n", output.Diff(d.Diff))
	} else if d.DiffStat != "" {
		fmt.Fprintf(out, "\n%s\n", d.DiffStat)
	}
	if ui.Verbose && len(d.Conversation) > 0 {
		fmt.Fprintf(out, "\nConversation:\n")
		for _, m := range d.Conversation {
			fmt.Fprintf(out, "%s\n%s\n\n", output.Cyan(string(m.Role)), output.Markdown(m.Text(), 100))
		}
	}
	return nil
}

func queueApproveRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	if dryRun {
		ui.DryRunMsg("Would approve %s as %s", id, queueBy)
		return nil
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.review.Approve(ctx, id, queueBy, queueNote)
	if err != nil {
		var ce *git.ConflictError
		if errors.As(err, &ce) {
			ui.Error("Merge conflict; %s stays pending", id)
			fmt.Fprintln(ui.ErrOut, ce.Summary)
		}
		return err
	}
	ui.Success("Approved %s: %s merged into %s", r.ID, r.BranchName, a.git.MainBranch())
	return nil
}

func queueRejectRun(ctx context.Context, id string) error {
	ctx = ctxOrBackground(ctx)
	if dryRun {
		ui.DryRunMsg("Would reject %s as %s", id, queueBy)
		return nil
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.review.Reject(ctx, id, queueBy, queueNote)
	if err != nil {
		return err
	}
	ui.Success("Rejected %s; branch %s removed", r.ID, r.BranchName)
	return nil
}

func queueStatsRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.queue.Stats(ctx)
	if err != nil {
		return err
	}
	table := ui.Table([]string{"Status", "Count"})
	for _, row := range []struct {
		status string
		n      int
	}{
		{"pending", st.Pending},
		{"approved", st.Approved},
		{"rejected", st.Rejected},
		{"cancelled", st.Cancelled},
		{"total", st.Total},
	} {
		_ = table.Append([]string{output.StatusColor(row.status), fmt.Sprint(row.n)})
	}
	return table.Render()
}

func queueCleanupRun(ctx context.Context) error {
	ctx = ctxOrBackground(ctx)
	days := queueDays
	if days <= 0 {
		days = viper.GetInt("queue.retention_days")
	}
	if days <= 0 {
		return fmt.Errorf("retention must be at least one day")
	}
	if dryRun {
		ui.DryRunMsg("Would purge requests older than %d days", days)
		return nil
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.queue.CleanupOld(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	ui.Success("Purged %d request(s) older than %d days", n, days)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

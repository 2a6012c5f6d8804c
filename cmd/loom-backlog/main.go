// Command loom-backlog triages blocked issues in bulk (spec §6): applying
// each issue's tiered retry policy (spec §7) retroactively and escalating
// retry-exhausted, escalating-class issues to the human input queue.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/backlog"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/state"
)

func main() {
	root := &cobra.Command{Use: "loom-backlog", Short: "Triage blocked issues against the tiered retry policy", SilenceUsage: true}
	root.AddCommand(listCmd(), pruneCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func repoRoot() (paths.Root, error) {
	wd, err := os.Getwd()
	if err != nil {
		return paths.Root{}, err
	}
	return paths.New(wd), nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use: "list", Short: "List blocked issues with tiered retry policy info", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := repoRoot()
			if err != nil {
				return err
			}
			ds := state.Load(root)
			rows := backlog.List(ds)
			if len(rows) == 0 {
				fmt.Println("no blocked issues in daemon state")
				return nil
			}

			var retryable, exhausted, escalated int
			for _, r := range rows {
				switch r.Status {
				case backlog.StatusRetryable:
					retryable++
				case backlog.StatusExhausted:
					exhausted++
				case backlog.StatusEscalated:
					escalated++
				}
			}
			fmt.Printf("blocked issues: %d total (%d retryable, %d exhausted, %d escalated)\n\n", len(rows), retryable, exhausted, escalated)
			for _, r := range rows {
				fmt.Printf("#%-6d %-28s retries=%d/%d  cooldown=%-6s escalate=%-3v status=%s\n",
					r.Issue, r.ErrorClass, r.RetryCount, r.MaxRetries, r.Cooldown, r.WillEscalate, r.Status)
			}
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	var dryRun, addComment bool
	cmd := &cobra.Command{
		Use: "prune", Short: "Escalate retry-exhausted, escalating-class issues", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := repoRoot()
			if err != nil {
				return err
			}
			ds := state.Load(root)
			if len(ds.BlockedIssueRetries) == 0 {
				fmt.Println("no blocked issues in daemon state")
				return nil
			}

			var gh *ghclient.Client
			if addComment {
				gh = ghclient.New(os.Getenv("LOOM_REPO"), logr.Discard())
			}

			now := time.Now().UTC()
			result := backlog.Prune(context.Background(), &ds, gh, addComment, dryRun, now)

			fmt.Printf("backlog prune summary (%s):\n", now.Format(time.RFC3339))
			fmt.Printf("  total blocked:        %d\n", result.TotalBlocked)
			fmt.Printf("  already escalated:    %d\n", result.AlreadyEscalated)
			fmt.Printf("  to escalate this run: %d\n", len(result.Escalated))
			fmt.Printf("  transient exhausted:  %d\n", result.TransientExhausted)
			fmt.Printf("  still retryable:      %d\n", result.StillRetryable)
			fmt.Println()

			if len(result.Escalated) == 0 {
				fmt.Println("nothing to escalate")
				return nil
			}
			for _, e := range result.Escalated {
				fmt.Printf("  #%d  %s  %s\n", e.Issue, e.ErrorClass, e.Reason)
			}

			if dryRun {
				fmt.Println("\n[dry-run] no changes made")
				return nil
			}
			if err := state.Save(root, ds); err != nil {
				return fmt.Errorf("saving daemon state: %w", err)
			}
			fmt.Printf("\nescalated %d issue(s) to needs_human_input\n", len(result.Escalated))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview changes without modifying daemon state")
	cmd.Flags().BoolVar(&addComment, "comment", false, "also post a GitHub comment on each escalated issue")
	return cmd
}

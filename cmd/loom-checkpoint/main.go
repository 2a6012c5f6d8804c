// Command loom-checkpoint manages builder progress checkpoints (spec §3,
// §6): a worktree-local marker of the last completed build stage, so a
// retried builder can skip work it already finished.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/worktree"
)

var (
	flagWorktree string
	flagStage    string
	flagIssue    int
	flagFilesChanged int
	flagTestCommand string
	flagTestResult  string
	flagTestSummary string
	flagCommitSHA   string
	flagPRNumber    int
	flagJSON        bool
)

func main() {
	root := &cobra.Command{Use: "loom-checkpoint", Short: "Manage builder checkpoints", SilenceUsage: true}
	root.PersistentFlags().StringVarP(&flagWorktree, "worktree", "w", "", "path to worktree directory (default: current directory)")

	root.AddCommand(writeCmd(), readCmd(), clearCmd(), stagesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorktree() (paths.Root, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return paths.Root{}, "", err
	}
	wt := flagWorktree
	if wt == "" {
		wt = cwd
	}
	return paths.New(cwd), wt, nil
}

func writeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "write", Short: "Write a checkpoint to a worktree", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !worktree.ValidStage(flagStage) {
				return fmt.Errorf("--stage is required and must be one of: %v", worktree.Stages)
			}
			root, wt, err := resolveWorktree()
			if err != nil {
				return err
			}
			details := worktree.CheckpointDetails{
				FilesChanged: flagFilesChanged, TestCommand: flagTestCommand, TestResult: flagTestResult,
				TestOutputSummary: flagTestSummary, CommitSHA: flagCommitSHA, PRNumber: flagPRNumber,
			}
			if err := worktree.WriteCheckpoint(root, wt, flagStage, flagIssue, details, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Printf("checkpoint saved: stage=%s\n", flagStage)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagStage, "stage", "s", "", "checkpoint stage")
	cmd.Flags().IntVarP(&flagIssue, "issue", "i", 0, "issue number")
	cmd.Flags().IntVar(&flagFilesChanged, "files-changed", 0, "number of files changed")
	cmd.Flags().StringVar(&flagTestCommand, "test-command", "", "test command that was run")
	cmd.Flags().StringVar(&flagTestResult, "test-result", "", "test result (pass|fail)")
	cmd.Flags().StringVar(&flagTestSummary, "test-output-summary", "", "brief test output summary")
	cmd.Flags().StringVar(&flagCommitSHA, "commit-sha", "", "commit SHA")
	cmd.Flags().IntVar(&flagPRNumber, "pr-number", 0, "PR number")
	return cmd
}

func readCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "read", Short: "Read the checkpoint from a worktree", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, wt, err := resolveWorktree()
			if err != nil {
				return err
			}
			c, ok := worktree.ReadCheckpoint(root, wt)
			rec := worktree.Recommend(c, ok)

			if flagJSON {
				out, _ := json.Marshal(map[string]interface{}{"checkpoint": c, "exists": ok, "recommendation": rec})
				fmt.Println(string(out))
				return nil
			}
			if !ok {
				fmt.Printf("no checkpoint found in %s\n", wt)
				return nil
			}
			fmt.Printf("checkpoint: stage=%s timestamp=%s\n", c.Stage, c.Timestamp.Format(time.RFC3339))
			if c.Issue != 0 {
				fmt.Printf("  issue: #%d\n", c.Issue)
			}
			if c.Details.TestResult != "" {
				fmt.Printf("  test result: %s\n", c.Details.TestResult)
			}
			if c.Details.FilesChanged != 0 {
				fmt.Printf("  files changed: %d\n", c.Details.FilesChanged)
			}
			if c.Details.PRNumber != 0 {
				fmt.Printf("  PR number: #%d\n", c.Details.PRNumber)
			}
			fmt.Printf("  recovery path: %s\n", rec.RecoveryPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "output in JSON format")
	return cmd
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use: "clear", Short: "Remove the checkpoint from a worktree", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, wt, err := resolveWorktree()
			if err != nil {
				return err
			}
			if err := worktree.ClearCheckpoint(root, wt); err != nil {
				return err
			}
			fmt.Println("checkpoint cleared")
			return nil
		},
	}
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "stages", Short: "List valid checkpoint stages", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				out, _ := json.Marshal(map[string]interface{}{"stages": worktree.Stages})
				fmt.Println(string(out))
				return nil
			}
			fmt.Println("valid checkpoint stages (in order of progression):")
			for _, s := range worktree.Stages {
				fmt.Printf("  %-15s\n", s)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flagJSON, "json", "j", false, "output in JSON format")
	return cmd
}

// Command loom-milestone is the worker-side half of the progress protocol
// (spec §4.4, §6): a worker CLI session shells out to this to report a
// milestone without linking against the orchestrator's internals.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
)

var (
	flagTaskID string
	flagIssue  int
	flagMode   string
	flagPhase  string
	flagData   []string
)

func main() {
	root := &cobra.Command{
		Use:   "loom-milestone <event>",
		Short: "Report a shepherd progress milestone",
		Args:  cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:  run,
	}
	root.Flags().StringVar(&flagTaskID, "task-id", "", "7-hex task id (required)")
	root.Flags().IntVar(&flagIssue, "issue", 0, "issue number (required on the first 'started' event)")
	root.Flags().StringVar(&flagMode, "mode", "default", "run mode recorded on the first 'started' event")
	root.Flags().StringVar(&flagPhase, "phase", "", "current phase name, if this milestone changes it")
	root.Flags().StringArrayVar(&flagData, "data", nil, "key=value pairs attached to the milestone, repeatable")
	_ = root.MarkFlagRequired("task-id")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if !paths.ValidTaskID(flagTaskID) {
		return fmt.Errorf("--task-id %q is not a valid 7-hex task id", flagTaskID)
	}
	event := progress.Event(args[0])

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	w := progress.NewWriter(paths.New(repoRoot), flagTaskID)

	data := map[string]interface{}{}
	for _, kv := range flagData {
		k, v, ok := splitKV(kv)
		if !ok {
			continue
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			data[k] = n
			continue
		}
		data[k] = v
	}
	if len(data) == 0 {
		data = nil
	}

	if err := w.Report(flagIssue, flagMode, event, flagPhase, data); err != nil {
		if err == progress.ErrNotStarted {
			fmt.Fprintf(os.Stderr, "no 'started' milestone recorded yet for task %s; first call must be 'started'\n", flagTaskID)
		}
		return err
	}
	return nil
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// Command loom-shepherd runs the phase pipeline for a single GitHub issue
// (spec §4.8, §6). It is spawned inside its own tmux session by the daemon
// (or invoked directly by an operator for debugging a stuck issue).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/claim"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/gitops"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/logging"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/phaserunner"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/shepherd"
	"github.com/rjwalters/loom/internal/shepherd/phases"
	"github.com/rjwalters/loom/internal/tmux"
	"github.com/rjwalters/loom/internal/usage"
)

const (
	exitSuccess = 0
	exitFailed  = 1
	exitNotFound = 2
	exitShutdown = 3
	exitStuck   = 4
)

var (
	flagForce   bool
	flagMerge   bool
	flagFrom    string
	flagTo      string
	flagTaskID  string
	flagSlot    string
	flagWorkerCLI string
)

func main() {
	root := &cobra.Command{
		Use:   "loom-shepherd <issue>",
		Short: "Run the shepherd pipeline for one issue",
		Args:  cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:  run,
	}
	root.Flags().BoolVarP(&flagForce, "force", "f", false, "auto-approve without waiting for a human reviewer")
	root.Flags().BoolVarP(&flagMerge, "merge", "m", false, "squash-merge once approved instead of leaving the PR for a human")
	root.Flags().StringVar(&flagFrom, "from", "", "resume starting at this phase (curator|approval|builder|judge|merge)")
	root.Flags().StringVar(&flagTo, "to", "", "stop after this phase")
	root.Flags().StringVar(&flagTaskID, "task-id", "", "7-hex task id for the progress document (generated if omitted)")
	root.Flags().StringVar(&flagSlot, "slot", "", "shepherd slot name for the session manager (defaults to shepherd-<issue>)")
	root.Flags().StringVar(&flagWorkerCLI, "worker-cli", "claude", "worker CLI binary spawned by each phase")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
}

func run(cmd *cobra.Command, args []string) error {
	issue, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid issue number %q\n", args[0])
		os.Exit(exitNotFound)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	r := paths.New(repoRoot)

	cfg, err := config.Load(r.Config())
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	taskID := flagTaskID
	if taskID == "" || !paths.ValidTaskID(taskID) {
		taskID = fmt.Sprintf("%07x", uint32(issue)<<8|0x5a)
	}
	slot := flagSlot
	if slot == "" {
		slot = fmt.Sprintf("shepherd-%d", issue)
	}

	log, closer, err := logging.New(r.LogFile("shepherd", issue), logging.Pretty(), "shepherd")
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer closer()

	gh := ghclient.New(os.Getenv("LOOM_REPO"), log.WithName("ghclient"))
	tm := tmux.New(os.Getenv("LOOM_TMUX_BIN"))
	sessions := session.New(tm, "loom", flagWorkerCLI)
	progReader := progress.NewReader(r)
	runner := phaserunner.New(r, sessions, progReader, log.WithName("phaserunner"))
	governor := usage.New(r, float64(cfg.RateLimitThreshold)/100.0)

	sc := &shepherd.Context{
		Root: r, Cfg: cfg, Log: log,
		GH: gh, Git: gitops.New(repoRoot), Claims: claim.New(r), Sess: sessions,
		Prog: progress.NewWriter(r, taskID), Usage: governor,
		Issue: issue, TaskID: taskID, Slot: slot,
		ForceMode: flagForce, MergeMode: flagMerge,
		FromPhase: flagFrom, ToPhase: flagTo,
	}

	pipeline := shepherd.Pipeline{
		Curator:  phases.NewCurator(),
		Approval: phases.NewApproval(),
		Builder:  phases.NewBuilder(runner, flagWorkerCLI),
		Judge:    phases.NewJudge(runner, flagWorkerCLI),
		Doctor:   phases.NewDoctor(runner, flagWorkerCLI),
		Rebase:   phases.NewRebase(),
		Merge:    phases.NewMerge(),
		Reflection: phases.NewReflection(2),
	}

	res := pipeline.Run(context.Background(), sc)
	log.Info("shepherd run finished", "issue", issue, "status", res.Status, "msg", res.Msg)

	switch res.Status {
	case shepherd.StatusSuccess:
		os.Exit(exitSuccess)
	case shepherd.StatusStuck:
		os.Exit(exitStuck)
	default:
		os.Exit(exitFailed)
	}
	return nil
}

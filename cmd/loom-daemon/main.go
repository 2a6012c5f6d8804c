// Command loom-daemon runs Loom's orchestration loop against the
// repository in the current working directory (spec §4.11, §6).
package main

import (
	"context"
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	_ "github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/claim"
	"github.com/rjwalters/loom/internal/config"
	"github.com/rjwalters/loom/internal/daemon"
	"github.com/rjwalters/loom/internal/daemoniter"
	"github.com/rjwalters/loom/internal/failurelog"
	"github.com/rjwalters/loom/internal/ghclient"
	"github.com/rjwalters/loom/internal/logging"
	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/progress"
	"github.com/rjwalters/loom/internal/session"
	"github.com/rjwalters/loom/internal/snapshot"
	"github.com/rjwalters/loom/internal/stall"
	"github.com/rjwalters/loom/internal/state"
	"github.com/rjwalters/loom/internal/statusview"
	"github.com/rjwalters/loom/internal/systematic"
	"github.com/rjwalters/loom/internal/tmux"
	"github.com/rjwalters/loom/internal/usage"
)

var (
	flagForce     bool
	flagMerge     bool
	flagAutoBuild bool
	flagTimeoutMin int
	flagStatus    bool
	flagHealth    bool
	flagRepo      string
	flagWorkerCLI string
)

func main() {
	root := &cobra.Command{
		Use:          "loom-daemon",
		Short:        "Run the Loom orchestration daemon against the current repository",
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	root.Flags().BoolVarP(&flagForce, "force", "f", false, "auto-claim and build issues without waiting for a human trigger")
	root.Flags().BoolVarP(&flagMerge, "merge", "m", false, "squash-merge approved pull requests instead of leaving them for a human")
	root.Flags().BoolVarP(&flagAutoBuild, "auto-build", "a", false, "tick at a short fixed interval instead of poll_interval so ready issues get a shepherd sooner")
	root.Flags().IntVar(&flagTimeoutMin, "timeout-min", 0, "stop the daemon after this many minutes (0 = unbounded)")
	root.Flags().BoolVar(&flagStatus, "status", false, "print the current daemon state and exit")
	root.Flags().BoolVar(&flagHealth, "health", false, "print a one-line health summary and exit (for scripting)")
	root.Flags().StringVar(&flagRepo, "repo", "", "owner/repo (defaults to the current directory's origin remote via gh)")
	root.Flags().StringVar(&flagWorkerCLI, "worker-cli", "claude", "worker CLI binary name spawned inside each shepherd session")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	root := paths.New(repoRoot)

	if flagStatus || flagHealth {
		ds := state.Load(root)
		if flagHealth {
			statusview.RenderHealth(os.Stdout, ds)
			return nil
		}
		statusview.Render(os.Stdout, ds, statusview.IsInteractive(os.Stdout))
		return nil
	}

	cfg, err := config.Load(root.Config())
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}
	if flagTimeoutMin > 0 {
		cfg.TimeoutMinutes = flagTimeoutMin
	}

	log, closer, err := logging.New(root.LogFile("daemon", 0), logging.Pretty(), "daemon")
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer closer()

	repo := flagRepo
	if repo == "" {
		repo = os.Getenv("LOOM_REPO")
	}
	gh := ghclient.New(repo, log.WithName("ghclient"))

	tm := tmux.New(os.Getenv("LOOM_TMUX_BIN"))
	sessions := session.New(tm, "loom", flagWorkerCLI)

	progressReader := progress.NewReader(root)
	failures := failurelog.New(root)
	claims := claim.New(root)
	detector := systematic.New(state.Load(root).SystematicFailure)
	governor := usage.New(root, float64(cfg.RateLimitThreshold)/100.0)

	snap := snapshot.NewBuilder(root, gh, sessions, progressReader, failures, detector, governor, cfg)

	escalator := &stall.Escalator{
		GH: gh, Sessions: sessions, Progress: progressReader, Detector: detector, Log: log.WithName("stall"), Cfg: cfg,
	}

	iter := &daemoniter.Deps{
		Root: root, Cfg: cfg, Log: log.WithName("iteration"),
		GH: gh, Sessions: sessions, Progress: progressReader, Failures: failures, Claims: claims,
		Snap: snap, ShepherdCLI: "loom-shepherd", ForceMode: flagForce, MergeMode: flagMerge, Stall: escalator,
	}

	d := &daemon.Daemon{
		Root: root, Log: log,
		Iter: iter,
		Preflight: daemon.Preflight{WorkerCLI: flagWorkerCLI, Multiplexer: "tmux"},
		PollInterval: cfg.PollInterval,
		SignalMaxAge: cfg.SignalMaxAge,
		MaxArchived:  cfg.MaxArchivedSessions,
		AutoBuild:    flagAutoBuild,
		TimeoutMinutes: cfg.TimeoutMinutes,
	}

	ctx := context.Background()
	executionMode := "force"
	if !flagForce {
		executionMode = "supervised"
	}
	if flagMerge {
		executionMode += "+merge"
	}

	return d.Run(ctx, flagForce, executionMode, claim.NewAgentID("daemon"))
}

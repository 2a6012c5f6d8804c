// Command loom-claim is the operator-facing wrapper around the claim
// registry (spec §4.3, §6): claim/extend/release/check/list/cleanup.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/claim"
	"github.com/rjwalters/loom/internal/paths"
)

var flagTTLSeconds int

func main() {
	repoRoot, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	reg := claim.New(paths.New(repoRoot))

	root := &cobra.Command{Use: "loom-claim", Short: "Inspect and manipulate issue claims", SilenceUsage: true}
	root.PersistentFlags().IntVar(&flagTTLSeconds, "ttl", 1800, "claim TTL in seconds (claim/extend)")

	root.AddCommand(
		claimCmd(reg), extendCmd(reg), releaseCmd(reg), checkCmd(reg), listCmd(reg), cleanupCmd(reg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseIssue(arg string) (int, error) {
	return strconv.Atoi(arg)
}

func exit(res claim.Result) {
	os.Exit(res.ExitCode())
}

func claimCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "claim <issue> <agent>", Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := parseIssue(args[0])
			if err != nil {
				return err
			}
			res, err := reg.Claim(issue, args[1], time.Duration(flagTTLSeconds)*time.Second)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Println(res)
			exit(res)
			return nil
		},
	}
}

func extendCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "extend <issue> <agent>", Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := parseIssue(args[0])
			if err != nil {
				return err
			}
			res, err := reg.Extend(issue, args[1], time.Duration(flagTTLSeconds)*time.Second)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Println(res)
			exit(res)
			return nil
		},
	}
}

func releaseCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "release <issue> [agent]", Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := parseIssue(args[0])
			if err != nil {
				return err
			}
			agent := ""
			if len(args) == 2 {
				agent = args[1]
			}
			res, err := reg.Release(issue, agent)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Println(res)
			exit(res)
			return nil
		},
	}
}

func checkCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "check <issue>", Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := parseIssue(args[0])
			if err != nil {
				return err
			}
			c, ok := reg.Check(issue)
			if !ok {
				fmt.Println("unclaimed")
				os.Exit(claim.NotFound.ExitCode())
			}
			fmt.Printf("issue=%d agent=%s claimed_at=%s expires_at=%s\n", c.Issue, c.AgentID, c.ClaimedAt, c.ExpiresAt)
			os.Exit(claim.OK.ExitCode())
			return nil
		},
	}
}

func listCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "list", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := reg.List()
			if err != nil {
				return err
			}
			for _, c := range claims {
				fmt.Printf("issue=%d agent=%s expires_at=%s\n", c.Issue, c.AgentID, c.ExpiresAt)
			}
			return nil
		},
	}
}

func cleanupCmd(reg *claim.Registry) *cobra.Command {
	return &cobra.Command{
		Use: "cleanup", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := reg.Cleanup()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired claim(s)\n", n)
			return nil
		},
	}
}

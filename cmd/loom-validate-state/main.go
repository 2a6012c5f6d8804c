// Command loom-validate-state checks daemon-state.json for corruption and
// fabricated task IDs before they cascade into the orchestration loop
// (spec §6). Exit codes: 0 valid (or fixed), 1 invalid, 2 file not
// found/unreadable.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/validate"
)

const (
	exitValid         = 0
	exitInvalid       = 1
	exitFileNotFound  = 2
)

var (
	flagFix     bool
	flagJSON    bool
	flagDryRun  bool
)

func main() {
	root := &cobra.Command{
		Use:   "loom-validate-state [state-file]",
		Short: "Validate daemon-state.json structure and task IDs",
		Args:  cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:  run,
	}
	root.Flags().BoolVar(&flagFix, "fix", false, "auto-fix common issues (resets invalid entries to idle)")
	root.Flags().BoolVar(&flagJSON, "json", false, "output JSON for programmatic use")
	root.Flags().BoolVar(&flagDryRun, "dry-run", false, "show what would be fixed without making changes")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalid)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var statePath string
	if len(args) == 1 {
		statePath = args[0]
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		statePath = validate.DefaultPath(paths.New(wd))
	}

	data, err := validate.Load(statePath)
	if err != nil {
		if le, ok := err.(*validate.LoadError); ok {
			if flagJSON {
				out, _ := json.Marshal(map[string]interface{}{"valid": false, "error": string(le.Kind), "file": statePath})
				fmt.Println(string(out))
			} else {
				fmt.Fprintf(os.Stderr, "%s: %s\n", le.Kind, statePath)
			}
			if le.Kind == validate.ErrInvalidJSON {
				os.Exit(exitInvalid)
			}
			os.Exit(exitFileNotFound)
		}
		return err
	}

	result := validate.Validate(data, flagFix)

	if flagFix && len(result.Fixes) > 0 && !flagDryRun {
		validate.Apply(data, result.Fixes, time.Now())
		if err := validate.Save(statePath, data); err != nil {
			return fmt.Errorf("writing fixed state: %w", err)
		}
	}

	if flagJSON {
		fixesApplied := []string{}
		fixesAvailable := []string{}
		if flagFix && !flagDryRun {
			fixesApplied = result.Fixes
		} else {
			fixesAvailable = result.Fixes
		}
		out, _ := json.MarshalIndent(map[string]interface{}{
			"valid": result.Valid(), "file": statePath,
			"errors": orEmpty(result.Errors), "warnings": orEmpty(result.Warnings),
			"fixes_applied": fixesApplied, "fixes_available": fixesAvailable,
			"error_count": len(result.Errors), "warning_count": len(result.Warnings),
		}, "", "  ")
		fmt.Println(string(out))
	} else {
		if result.Valid() {
			fmt.Printf("state file is valid: %s\n", statePath)
		} else {
			fmt.Fprintf(os.Stderr, "state file has %d error(s):\n", len(result.Errors))
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stderr, "  - %s\n", e)
			}
		}
		if len(result.Warnings) > 0 {
			fmt.Fprintf(os.Stderr, "warnings (%d):\n", len(result.Warnings))
			for _, w := range result.Warnings {
				fmt.Fprintf(os.Stderr, "  - %s\n", w)
			}
		}
		if len(result.Fixes) > 0 {
			if flagFix {
				if flagDryRun {
					fmt.Printf("would apply %d fix(es) (dry run)\n", len(result.Fixes))
				} else {
					fmt.Printf("applied %d fix(es)\n", len(result.Fixes))
				}
			} else {
				fmt.Printf("available fixes (run with --fix): %d\n", len(result.Fixes))
				for _, f := range result.Fixes {
					fmt.Fprintf(os.Stderr, "  - %s\n", f)
				}
			}
		}
	}

	if !result.Valid() && !flagFix {
		os.Exit(exitInvalid)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

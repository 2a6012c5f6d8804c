// Command loom-recovery-stats analyzes auto-recovery events logged by the
// builder phase's post-run validation (spec §6), to help diagnose when
// builders are not completing their workflow normally.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/recoverylog"
)

var (
	flagPeriod  string
	flagJSON    bool
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:          "loom-recovery-stats",
		Short:        "Query and display auto-recovery statistics",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVarP(&flagPeriod, "period", "p", "week", "time period to analyze: today|week|month|all")
	root.Flags().BoolVarP(&flagJSON, "json", "j", false, "output as JSON")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "show individual events")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	root := paths.New(wd)
	store := recoverylog.New(root)
	stats := store.Stats(recoverylog.Period(flagPeriod), time.Now().UTC())

	if flagJSON {
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("RECOVERY STATISTICS")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Period: %s to %s UTC\n\n", stats.PeriodStart.Format("2006-01-02 15:04"), stats.PeriodEnd.Format("2006-01-02 15:04"))
	fmt.Printf("Total recovery events: %d\n\n", stats.TotalEvents)

	printCounts("By Recovery Type:", stats.ByType, stats.TotalEvents)
	printCounts("By Reason:", stats.ByReason, stats.TotalEvents)

	if len(stats.ByDay) > 0 {
		fmt.Println("By Day:")
		days := make([]string, 0, len(stats.ByDay))
		for d := range stats.ByDay {
			days = append(days, d)
		}
		sort.Strings(days)
		if !flagVerbose && len(days) > 7 {
			days = days[len(days)-7:]
			fmt.Println("  (showing last 7 days, use --verbose for all)")
		}
		for _, d := range days {
			fmt.Printf("  %s: %d\n", d, stats.ByDay[d])
		}
		fmt.Println()
	}

	if flagVerbose && len(stats.Events) > 0 {
		fmt.Println(strings.Repeat("-", 60))
		fmt.Println("Recent Events (newest first):")
		fmt.Println(strings.Repeat("-", 60))
		limit := len(stats.Events)
		if limit > 50 {
			limit = 50
		}
		for _, e := range stats.Events[:limit] {
			prInfo := ""
			if e.PRNumber != 0 {
				prInfo = fmt.Sprintf(" -> PR #%d", e.PRNumber)
			}
			fmt.Printf("  %s Issue #%d: %s (%s)%s\n", e.Timestamp.Format("2006-01-02 15:04"), e.Issue, e.RecoveryType, e.Reason, prInfo)
		}
	}
	return nil
}

func printCounts(header string, counts map[string]int, total int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })
	fmt.Println(header)
	for _, k := range keys {
		n := counts[k]
		pct := 0.0
		if total > 0 {
			pct = float64(n) / float64(total) * 100
		}
		fmt.Printf("  %-20s: %4d (%5.1f%%)\n", k, n, pct)
	}
	fmt.Println()
}

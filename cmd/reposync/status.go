package main

import (
	"fmt"
	"strings"

	"github.com/BadgerOps/reposync/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusLimit   int
	statusRatings bool
	statusFailed  bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent update runs and mirror ratings",
		Long: `Display the most recent update runs recorded in the store, and the mirror
ratings taken by the latest run that selected a mirror.

Use --failed to show only runs that did not fully succeed.`,
		Example: `  reposync status
  reposync status --limit 5 --ratings
  reposync status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show")
	cmd.Flags().BoolVar(&statusRatings, "ratings", false, "also show the latest mirror ratings")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only failed or partial runs")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	if err := openStores(ctx); err != nil {
		return err
	}

	runs, err := globalStore.ListUpdateRuns(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("listing update runs: %w", err)
	}

	var shown []store.UpdateRun
	for _, run := range runs {
		if statusFailed && run.Status == store.RunSuccess {
			continue
		}
		shown = append(shown, run)
	}

	if len(shown) == 0 {
		fmt.Println("No update runs recorded.")
	} else {
		fmt.Printf("%-36s  %-8s  %-16s  %8s  %6s  %8s\n", "Run", "Status", "Started", "Packages", "Added", "Removed")
		fmt.Println(strings.Repeat("-", 96))
		for _, run := range shown {
			status := run.Status
			if run.DryRun {
				status += "*"
			}
			fmt.Printf("%-36s  %-8s  %-16s  %8d  %6d  %8d\n",
				run.RunID,
				status,
				humanize.Time(run.StartTime),
				run.Current,
				run.Added,
				run.Removed,
			)
			if run.ErrorMessage != "" {
				fmt.Printf("    error: %s\n", firstLine(run.ErrorMessage))
			}
		}
		fmt.Println("(* dry run)")
	}

	if !statusRatings {
		return nil
	}

	ratings, err := globalStore.ListMirrorRatings(ctx)
	if err != nil {
		return fmt.Errorf("listing mirror ratings: %w", err)
	}
	fmt.Println()
	if len(ratings) == 0 {
		fmt.Println("No mirror ratings recorded.")
		return nil
	}

	fmt.Printf("Mirror ratings (%s)\n", humanize.Time(ratings[0].RatedAt))
	fmt.Printf("%-12s  %-8s  %-16s  %s\n", "Rate", "Time", "Country", "Mirror")
	fmt.Println(strings.Repeat("-", 96))
	for _, r := range ratings {
		rate := "failed"
		if r.Rate > 0 {
			rate = humanize.Bytes(uint64(r.Rate)) + "/s"
		}
		fmt.Printf("%-12s  %-8s  %-16s  %s\n", rate, fmt.Sprintf("%.2fs", r.Elapsed.Seconds()), r.Country, r.URL)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/BadgerOps/reposync/internal/packages"
	"github.com/spf13/cobra"
)

var (
	updateDryRun    bool
	updateCountries []string
	updateVerbose   bool
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Bring the package table in step with the fastest mirror",
		Long: `Select the fastest mirror for the configured countries, download the
database of every configured repository plus each personal repository, and
add or remove package names so the table matches upstream.

A repository that fails leaves its rows untouched; the others are still
updated. The command fails only when no repository could be updated.`,
		Example: `  reposync update
  reposync update --dry-run
  reposync update --country DE --verbose`,
		RunE: updateRun,
	}

	cmd.Flags().BoolVar(&updateDryRun, "dry-run", false, "compute the changes without writing them")
	cmd.Flags().StringSliceVar(&updateCountries, "country", nil, "countries to pick mirrors from (defaults to config)")
	cmd.Flags().BoolVarP(&updateVerbose, "verbose", "v", false, "list every added and removed package")

	return cmd
}

// newUpdater wires an Updater over the open stores.
func newUpdater(countries []string, dryRun bool) *packages.Updater {
	personal := make([]mirror.RepoDatabase, 0, len(globalCfg.PersonalRepos))
	for _, pr := range globalCfg.PersonalRepos {
		personal = append(personal, mirror.RepoDatabase{Repo: pr.Name, URL: pr.URL})
	}

	opts := packages.UpdaterOptions{
		Countries:     countries,
		Repositories:  globalCfg.Repositories,
		PersonalRepos: personal,
		DryRun:        dryRun,
	}
	differ := packages.NewDiffer(globalReader, logger)
	return packages.NewUpdater(newSelector(), differ, globalTable, globalStore, opts, logger)
}

func updateRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	ctx := commandContext(cmd)

	if err := openStores(ctx); err != nil {
		return err
	}

	countries := globalCfg.Mirror.Countries
	if cmd.Flags().Changed("country") {
		countries = updateCountries
	}

	report, err := newUpdater(countries, updateDryRun).Run(ctx)
	if report != nil {
		printReport(report, updateVerbose)
	}
	return err
}

func printReport(report *packages.Report, verbose bool) {
	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Update %s%s\n", report.RunID, mode)
	fmt.Println(strings.Repeat("=", 60))
	if report.Mirror != "" {
		fmt.Printf("Mirror:   %s\n", report.Mirror)
	}
	fmt.Printf("Status:   %s\n", report.Status)
	fmt.Printf("Current:  %d packages before update\n", report.Current)
	fmt.Printf("Duration: %s\n", report.EndTime.Sub(report.StartTime).Round(time.Millisecond))
	fmt.Println()

	if len(report.Repos) == 0 {
		return
	}

	fmt.Printf("%-20s  %8s  %6s  %8s  %s\n", "Repository", "Packages", "Added", "Removed", "Error")
	fmt.Println(strings.Repeat("-", 60))
	for _, rr := range report.Repos {
		fmt.Printf("%-20s  %8d  %6d  %8d  %s\n", rr.Repo, rr.Total, len(rr.Added), len(rr.Removed), rr.Error)
	}
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("%-20s  %8d  %6d  %8d\n", "Total", report.Total, report.Added, report.Removed)

	if !verbose {
		return
	}
	for _, rr := range report.Repos {
		for _, name := range rr.Added {
			fmt.Printf("+ %s/%s\n", rr.Repo, name)
		}
		for _, name := range rr.Removed {
			fmt.Printf("- %s/%s\n", rr.Repo, name)
		}
	}
}

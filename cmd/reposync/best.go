package main

import (
	"fmt"
	"strings"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	bestCountries []string
	bestRepos     []string
	bestRanked    bool
)

func newBestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best",
		Short: "Select the fastest mirror and print repository database URLs",
		Long: `Rate every mirror that passes the configured protocol, age and completion
filters in the given countries and print the database URL of each repository
on the fastest one.

Countries and repositories default to the config file.`,
		Example: `  reposync best
  reposync best --country DE,NL --repo core,extra
  reposync best --ranked`,
		RunE: bestRun,
	}

	cmd.Flags().StringSliceVar(&bestCountries, "country", nil, "countries to pick mirrors from (names or codes)")
	cmd.Flags().StringSliceVar(&bestRepos, "repo", nil, "repositories to print database URLs for")
	cmd.Flags().BoolVar(&bestRanked, "ranked", false, "also print every rated candidate")

	return cmd
}

func bestRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	ctx := commandContext(cmd)

	countries := globalCfg.Mirror.Countries
	if cmd.Flags().Changed("country") {
		countries = bestCountries
	}
	repos := globalCfg.Repositories
	if cmd.Flags().Changed("repo") {
		repos = bestRepos
	}

	selector := newSelector()

	if !bestRanked {
		dbs, err := selector.SelectBest(ctx, countries, repos)
		if err != nil {
			return err
		}
		printRepoDatabases(dbs)
		return nil
	}

	sel, err := selector.SelectMirror(ctx, countries)
	if err != nil {
		return err
	}

	fmt.Printf("Mirror:     %s\n", sel.Mirror.URL)
	fmt.Printf("Rate:       %s/s\n", humanize.Bytes(uint64(sel.Mirror.Rate)))
	fmt.Printf("Candidates: %d\n", sel.Candidates)
	fmt.Println()
	printRepoDatabases(mirror.RepoDatabases(sel.Mirror.URL, repos, selector.Arch()))
	fmt.Println()
	printRanked(sel.Ranked)
	return nil
}

func printRepoDatabases(dbs []mirror.RepoDatabase) {
	width := len("Repository")
	for _, db := range dbs {
		width = max(width, len(db.Repo))
	}
	fmt.Printf("%-*s  %s\n", width, "Repository", "Database URL")
	fmt.Println(strings.Repeat("-", width+2+12))
	for _, db := range dbs {
		fmt.Printf("%-*s  %s\n", width, db.Repo, db.URL)
	}
}

func printRanked(ranked []mirror.RatedMirror) {
	fmt.Printf("%-12s  %-8s  %s\n", "Rate", "Time", "Mirror")
	fmt.Println(strings.Repeat("-", 60))
	for _, rm := range ranked {
		rate := "failed"
		if rm.Usable() {
			rate = humanize.Bytes(uint64(rm.Rate)) + "/s"
		}
		fmt.Printf("%-12s  %-8s  %s\n", rate, fmt.Sprintf("%.2fs", rm.Elapsed.Seconds()), rm.URL)
	}
}

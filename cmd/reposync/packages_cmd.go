package main

import (
	"fmt"
	"strings"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/spf13/cobra"
)

var (
	packagesShowMirror string
	packagesShowFilter string
)

func newPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Inspect the package table and upstream databases",
		Long: `Inspect the package table kept by update, or read a repository database
straight from a mirror.`,
		Example: `  reposync packages list
  reposync packages list core
  reposync packages show core --mirror https://geo.mirror.pkgbuild.com/
  reposync packages show https://repo.example.com/personal/x86_64/personal.db`,
	}

	cmd.AddCommand(
		newPackagesListCmd(),
		newPackagesShowCmd(),
	)

	return cmd
}

func newPackagesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [REPOSITORY]",
		Short: "List repositories, or the packages recorded for one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  packagesListRun,
	}
	return cmd
}

func packagesListRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	if err := openStores(ctx); err != nil {
		return err
	}

	if len(args) == 1 {
		names, err := globalTable.ListPackages(ctx, args[0])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		logger.Debug("listed packages", "repo", args[0], "count", len(names))
		return nil
	}

	repos, err := globalTable.Repositories(ctx)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		fmt.Println("No packages recorded. Run 'reposync update' first.")
		return nil
	}

	fmt.Printf("%-20s  %s\n", "Repository", "Packages")
	fmt.Println(strings.Repeat("-", 32))
	for _, repo := range repos {
		names, err := globalTable.ListPackages(ctx, repo)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s  %8d\n", repo, len(names))
	}
	return nil
}

func newPackagesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show REPOSITORY|URL",
		Short: "Print the packages in an upstream repository database",
		Long: `Download and parse a repository database and print every package in it.

The argument is either a database URL, the name of a configured personal
repository, or a repository name resolved against --mirror.`,
		Args: cobra.ExactArgs(1),
		RunE: packagesShowRun,
	}

	cmd.Flags().StringVar(&packagesShowMirror, "mirror", "", "mirror base URL used to resolve a repository name")
	cmd.Flags().StringVar(&packagesShowFilter, "filter", "", "only print packages whose name contains this string")

	return cmd
}

// resolveDatabaseURL maps a show argument onto a database URL.
func resolveDatabaseURL(arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	for _, pr := range globalCfg.PersonalRepos {
		if pr.Name == arg {
			return pr.URL, nil
		}
	}
	if packagesShowMirror == "" {
		return "", fmt.Errorf("repository %q is not a personal repository; pass --mirror to resolve it", arg)
	}
	dbs := mirror.RepoDatabases(packagesShowMirror, []string{arg}, globalCfg.Mirror.Arch)
	return dbs[0].URL, nil
}

func packagesShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalReader == nil {
		return fmt.Errorf("database reader not initialized")
	}

	dbURL, err := resolveDatabaseURL(args[0])
	if err != nil {
		return err
	}

	pkgs, err := globalReader.Packages(commandContext(cmd), dbURL)
	if err != nil {
		return err
	}

	shown := 0
	for _, p := range pkgs {
		if packagesShowFilter != "" && !strings.Contains(p.Name, packagesShowFilter) {
			continue
		}
		fmt.Printf("%-32s  %-20s  %s\n", p.Name, p.Version, p.Desc)
		shown++
	}
	fmt.Printf("\n%d of %d packages from %s\n", shown, len(pkgs), dbURL)
	return nil
}

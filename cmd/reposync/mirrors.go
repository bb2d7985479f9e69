package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	mirrorsCountries  []string
	mirrorsProtocols  []string
	mirrorsAge        float64
	mirrorsCompletion float64
	mirrorsInclude    []string
	mirrorsExclude    []string
	mirrorsLatest     int
	mirrorsScore      int
	mirrorsFastest    int
	mirrorsNumber     int
	mirrorsSort       string
	mirrorsSave       string
	mirrorsInfo       bool
	mirrorsCountryHdr bool
)

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors",
		Short: "List, filter, sort and rate mirrors",
		Long: `Retrieve the mirror status feed and print a pacman mirrorlist of the mirrors
that pass the filters. Filters left unset fall back to the config file.

Limits are applied in the order --latest, --score, --fastest, --sort,
--number. Only --fastest and --sort rate download mirrors to measure them.`,
		Example: `  reposync mirrors --country DE,FR --protocol https
  reposync mirrors --latest 20 --sort rate --number 5
  reposync mirrors --country US --save /etc/pacman.d/mirrorlist
  reposync mirrors --include '\.de/' --info`,
		RunE: mirrorsRun,
	}

	cmd.Flags().StringSliceVar(&mirrorsCountries, "country", nil, "restrict to countries (names or codes, comma-separated)")
	cmd.Flags().StringSliceVar(&mirrorsProtocols, "protocol", nil, "restrict to protocols (http, https, rsync, ftp)")
	cmd.Flags().Float64Var(&mirrorsAge, "age", 0, "only mirrors synced within this many hours (0 for no limit)")
	cmd.Flags().Float64Var(&mirrorsCompletion, "completion", 0, "minimum completion fraction between 0 and 1")
	cmd.Flags().StringArrayVar(&mirrorsInclude, "include", nil, "regular expression a mirror URL must match (repeatable)")
	cmd.Flags().StringArrayVar(&mirrorsExclude, "exclude", nil, "regular expression a mirror URL must not match (repeatable)")
	cmd.Flags().IntVar(&mirrorsLatest, "latest", 0, "keep the n most recently synced mirrors")
	cmd.Flags().IntVar(&mirrorsScore, "score", 0, "keep the n best scored mirrors")
	cmd.Flags().IntVar(&mirrorsFastest, "fastest", 0, "keep the n fastest mirrors (rates mirrors)")
	cmd.Flags().IntVar(&mirrorsNumber, "number", 0, "keep at most n mirrors")
	cmd.Flags().StringVar(&mirrorsSort, "sort", "", "sort by age, rate, country, score or delay")
	cmd.Flags().StringVar(&mirrorsSave, "save", "", "write the mirrorlist to this path instead of stdout")
	cmd.Flags().BoolVar(&mirrorsInfo, "info", false, "print mirror details instead of a mirrorlist")
	cmd.Flags().BoolVar(&mirrorsCountryHdr, "country-headers", false, "group mirrorlist entries under country comments")

	return cmd
}

// mirrorsCriteria overlays the flags the user set on the configured criteria.
func mirrorsCriteria(cmd *cobra.Command) (mirror.Criteria, error) {
	c := configCriteria()
	flags := cmd.Flags()

	if flags.Changed("country") {
		c.Countries = mirrorsCountries
	}
	if flags.Changed("protocol") {
		c.Protocols = mirrorsProtocols
	}
	if flags.Changed("age") {
		if mirrorsAge < 0 {
			return c, fmt.Errorf("--age must not be negative")
		}
		c.MaxAgeHours = mirrorsAge
	}
	if flags.Changed("completion") {
		if mirrorsCompletion < 0 || mirrorsCompletion > 1 {
			return c, fmt.Errorf("--completion must be between 0 and 1")
		}
		c.MinCompletionPct = mirrorsCompletion
	}

	var err error
	if c.Include, err = mirror.CompilePatterns(mirrorsInclude); err != nil {
		return c, fmt.Errorf("--include: %w", err)
	}
	if c.Exclude, err = mirror.CompilePatterns(mirrorsExclude); err != nil {
		return c, fmt.Errorf("--exclude: %w", err)
	}
	return c, nil
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	ctx := commandContext(cmd)

	criteria, err := mirrorsCriteria(cmd)
	if err != nil {
		return err
	}
	for _, n := range []int{mirrorsLatest, mirrorsScore, mirrorsFastest, mirrorsNumber} {
		if n < 0 {
			return fmt.Errorf("limits must not be negative")
		}
	}
	sortBy, err := mirror.ParseSortKey(mirrorsSort)
	if err != nil {
		return err
	}
	opts := mirror.ArrangeOptions{
		Latest:  mirrorsLatest,
		Score:   mirrorsScore,
		Fastest: mirrorsFastest,
		Number:  mirrorsNumber,
		SortBy:  sortBy,
	}

	st, err := globalStatus.Fetch(ctx)
	if err != nil {
		return err
	}

	filtered := mirror.FilterSlice(st.URLs, criteria, time.Now())
	arranged, rated := mirror.Arrange(ctx, filtered, opts, globalRater)
	logger.Info("mirrors selected",
		"total", len(st.URLs),
		"filtered", len(filtered),
		"selected", len(arranged),
		"rated", len(rated),
	)

	if mirrorsInfo {
		return mirror.WriteInfo(os.Stdout, arranged, rated)
	}

	hdr := mirror.MirrorlistHeader{
		Command:   "reposync " + strings.Join(os.Args[1:], " "),
		Source:    globalCfg.Mirror.StatusURL,
		Generated: time.Now(),
		Retrieved: st.FetchedAt,
		LastCheck: st.LastCheck,
	}

	var buf bytes.Buffer
	if err := mirror.WriteMirrorlist(&buf, arranged, hdr, mirrorsCountryHdr); err != nil {
		return err
	}

	if mirrorsSave == "" {
		_, err := os.Stdout.Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(mirrorsSave, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("saving mirrorlist: %w", err)
	}
	fmt.Printf("Saved %d mirrors to %s (%s)\n", len(arranged), mirrorsSave, humanize.Bytes(uint64(buf.Len())))
	return nil
}

func newCountriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "countries",
		Short: "List countries with mirror counts",
		Long: `List every country in the mirror status feed with the number of mirrors
it hosts.`,
		Example: `  reposync countries`,
		RunE:    countriesRun,
	}
	return cmd
}

func countriesRun(cmd *cobra.Command, args []string) error {
	if globalStatus == nil {
		return fmt.Errorf("mirror status client not initialized")
	}

	st, err := globalStatus.Fetch(commandContext(cmd))
	if err != nil {
		return err
	}

	counts := mirror.Countries(st)
	nameWidth := len("Country")
	for _, c := range counts {
		nameWidth = max(nameWidth, len(c.Country))
	}

	fmt.Printf("%-*s  %-4s  %s\n", nameWidth, "Country", "Code", "Count")
	fmt.Println(strings.Repeat("-", nameWidth+2+4+2+5))
	for _, c := range counts {
		fmt.Printf("%-*s  %-4s  %5d\n", nameWidth, c.Country, c.CountryCode, c.Count)
	}
	return nil
}

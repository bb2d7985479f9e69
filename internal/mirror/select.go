package mirror

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultArch     = "x86_64"
	DefaultAgeHours = 12

	// NoAgeLimit passed as SelectorOptions.MaxAgeHours keeps mirrors of any
	// sync age.
	NoAgeLimit = -1
)

// DefaultProtocols are used when a selector is given no protocol list.
var DefaultProtocols = []string{"https"}

// StatusFetcher returns a mirror status snapshot.
type StatusFetcher interface {
	Fetch(ctx context.Context) (*Status, error)
}

// SelectorOptions configures a Selector.
type SelectorOptions struct {
	Protocols        []string
	MaxAgeHours      float64 // 0 uses DefaultAgeHours, NoAgeLimit disables the check
	MinCompletionPct float64
	Arch             string
}

// Selection is the outcome of choosing a mirror.
type Selection struct {
	Mirror     RatedMirror   `json:"mirror"`
	Ranked     []RatedMirror `json:"ranked"`
	Candidates int           `json:"candidates"`
	StatusAge  time.Duration `json:"status_age"`
}

// Selector picks the fastest mirror for a set of countries.
type Selector struct {
	status StatusFetcher
	rater  MirrorRater
	opts   SelectorOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewSelector creates a Selector. Empty options use https, 12 hours and
// x86_64. A negative MaxAgeHours turns the age limit off.
func NewSelector(status StatusFetcher, rater MirrorRater, opts SelectorOptions, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Protocols) == 0 {
		opts.Protocols = DefaultProtocols
	}
	switch {
	case opts.MaxAgeHours == 0:
		opts.MaxAgeHours = DefaultAgeHours
	case opts.MaxAgeHours < 0:
		opts.MaxAgeHours = 0
	}
	if opts.Arch == "" {
		opts.Arch = DefaultArch
	}
	return &Selector{
		status: status,
		rater:  rater,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// SelectMirror fetches, filters and rates mirrors and returns the one with
// the highest non-zero rate.
func (s *Selector) SelectMirror(ctx context.Context, countries []string) (*Selection, error) {
	st, err := s.status.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	candidates := FilterSlice(st.URLs, Criteria{
		Protocols:        s.opts.Protocols,
		Countries:        countries,
		MaxAgeHours:      s.opts.MaxAgeHours,
		MinCompletionPct: s.opts.MinCompletionPct,
	}, now)

	if len(candidates) == 0 {
		return nil, &NoMirrorAvailableError{Reason: "no mirror matched the filter criteria"}
	}

	s.logger.Info("rating candidate mirrors", "candidates", len(candidates), "countries", countries)
	ranked := RankRated(candidates, s.rater.Rate(ctx, candidates))
	return pickBest(ranked, len(candidates), now.Sub(st.FetchedAt))
}

// SelectBest selects a mirror and derives the database URL of each repo.
func (s *Selector) SelectBest(ctx context.Context, countries, repos []string) ([]RepoDatabase, error) {
	sel, err := s.SelectMirror(ctx, countries)
	if err != nil {
		return nil, err
	}
	return RepoDatabases(sel.Mirror.URL, repos, s.opts.Arch), nil
}

// Arch returns the architecture substituted into database URLs.
func (s *Selector) Arch() string {
	return s.opts.Arch
}

func pickBest(ranked []RatedMirror, candidates int, statusAge time.Duration) (*Selection, error) {
	if len(ranked) == 0 || !ranked[0].Usable() {
		return nil, &NoMirrorAvailableError{Reason: "every candidate mirror failed its rate probe", Candidates: candidates}
	}
	return &Selection{
		Mirror:     ranked[0],
		Ranked:     ranked,
		Candidates: candidates,
		StatusAge:  statusAge,
	}, nil
}

// ServerTemplate returns the pacman Server line value for a mirror base URL.
func ServerTemplate(base string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "$repo/os/$arch"
}

// DatabaseURL substitutes repo and arch into a server template and appends
// the repository database file name.
func DatabaseURL(template, repo, arch string) string {
	u := strings.ReplaceAll(template, "$arch", arch)
	u = strings.ReplaceAll(u, "$repo", repo)
	return u + "/" + repo + ".db"
}

// RepoDatabases derives the database URL of each repo on a mirror.
func RepoDatabases(base string, repos []string, arch string) []RepoDatabase {
	template := ServerTemplate(base)
	out := make([]RepoDatabase, 0, len(repos))
	for _, repo := range repos {
		out = append(out, RepoDatabase{Repo: repo, URL: DatabaseURL(template, repo, arch)})
	}
	return out
}

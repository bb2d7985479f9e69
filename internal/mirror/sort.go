package mirror

import (
	"context"
	"fmt"
	"sort"
)

// SortKey names an ordering for mirror lists.
type SortKey string

const (
	SortNone    SortKey = ""
	SortAge     SortKey = "age"
	SortRate    SortKey = "rate"
	SortCountry SortKey = "country"
	SortScore   SortKey = "score"
	SortDelay   SortKey = "delay"
)

// SortKeys describes the recognized sort keys.
var SortKeys = map[SortKey]string{
	SortAge:     "last server synchronization",
	SortRate:    "download rate",
	SortCountry: "server's location",
	SortScore:   "mirror status score",
	SortDelay:   "mirror status delay",
}

// ParseSortKey validates a user supplied sort key.
func ParseSortKey(s string) (SortKey, error) {
	if s == "" {
		return SortNone, nil
	}
	k := SortKey(s)
	if _, ok := SortKeys[k]; !ok {
		return SortNone, fmt.Errorf("unknown sort key %q", s)
	}
	return k, nil
}

// MirrorRater rates a batch of mirrors.
type MirrorRater interface {
	Rate(ctx context.Context, mirrors []Mirror) map[string]RatedMirror
}

// SortMirrors returns a sorted copy of mirrors. Age sorts newest first;
// country, score and delay sort ascending. Rate is handled by RankRated.
func SortMirrors(mirrors []Mirror, by SortKey) []Mirror {
	out := append([]Mirror(nil), mirrors...)
	switch by {
	case SortAge:
		sort.SliceStable(out, func(i, j int) bool { return out[i].LastSync.After(out[j].LastSync) })
	case SortCountry:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	case SortScore:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	case SortDelay:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Delay < out[j].Delay })
	}
	return out
}

// RankRated orders mirrors by rate: usable mirrors by descending rate, then
// failed probes, each group keeping input order for ties.
func RankRated(mirrors []Mirror, rates map[string]RatedMirror) []RatedMirror {
	seen := make(map[string]struct{}, len(mirrors))
	ranked := make([]RatedMirror, 0, len(mirrors))
	for _, m := range mirrors {
		if _, dup := seen[m.URL]; dup {
			continue
		}
		seen[m.URL] = struct{}{}
		rm, ok := rates[m.URL]
		if !ok {
			rm = RatedMirror{Mirror: m, Error: "not rated"}
		}
		ranked = append(ranked, rm)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Usable() != ranked[j].Usable() {
			return ranked[i].Usable()
		}
		return ranked[i].Rate > ranked[j].Rate
	})
	return ranked
}

// ArrangeOptions limits and orders a filtered mirror list.
type ArrangeOptions struct {
	Latest  int // keep the n most recently synced
	Score   int // keep the n best scored
	Fastest int // keep the n fastest (rates mirrors)
	Number  int // keep at most n
	SortBy  SortKey
}

// Arrange applies the limits in opts in the order latest, score, fastest,
// sort, number. Rating only happens for Fastest or SortRate; the returned
// map holds every rating taken.
func Arrange(ctx context.Context, mirrors []Mirror, opts ArrangeOptions, rater MirrorRater) ([]Mirror, map[string]RatedMirror) {
	var rated map[string]RatedMirror

	if opts.Latest > 0 {
		mirrors = truncate(SortMirrors(mirrors, SortAge), opts.Latest)
	}
	if opts.Score > 0 {
		mirrors = truncate(SortMirrors(mirrors, SortScore), opts.Score)
	}

	byRate := func(ms []Mirror) []Mirror {
		if rated == nil {
			rated = rater.Rate(ctx, ms)
		}
		ranked := RankRated(ms, rated)
		out := make([]Mirror, len(ranked))
		for i, rm := range ranked {
			out[i] = rm.Mirror
		}
		return out
	}

	if opts.Fastest > 0 {
		mirrors = truncate(byRate(mirrors), opts.Fastest)
	}

	switch {
	case opts.SortBy == SortRate && opts.Fastest == 0:
		mirrors = byRate(mirrors)
	case opts.SortBy != SortNone && opts.SortBy != SortRate:
		mirrors = SortMirrors(mirrors, opts.SortBy)
	}

	if opts.Number > 0 {
		mirrors = truncate(mirrors, opts.Number)
	}
	return mirrors, rated
}

func truncate(mirrors []Mirror, n int) []Mirror {
	if len(mirrors) > n {
		return mirrors[:n]
	}
	return mirrors
}

func sortCountries(counts []CountryCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Country != counts[j].Country {
			return counts[i].Country < counts[j].Country
		}
		return counts[i].CountryCode < counts[j].CountryCode
	})
}

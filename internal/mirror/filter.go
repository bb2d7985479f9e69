package mirror

import (
	"iter"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Criteria selects mirrors from a status snapshot. Zero values disable the
// corresponding filter, except MinCompletionPct which always applies.
type Criteria struct {
	Protocols        []string
	Countries        []string // names or codes, case-insensitive
	MaxAgeHours      float64
	MinCompletionPct float64 // 0.0-1.0
	Include          []*regexp.Regexp
	Exclude          []*regexp.Regexp
}

// Filter yields the mirrors matching c in their original order. The
// returned sequence can be ranged over repeatedly.
func Filter(mirrors []Mirror, c Criteria, now time.Time) iter.Seq[Mirror] {
	protocols := make(map[string]struct{}, len(c.Protocols))
	for _, p := range c.Protocols {
		protocols[p] = struct{}{}
	}
	countries := make(map[string]struct{}, len(c.Countries))
	for _, name := range c.Countries {
		countries[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}
	maxAge := time.Duration(c.MaxAgeHours * float64(time.Hour))

	return func(yield func(Mirror) bool) {
		for _, m := range mirrors {
			if !m.Synced() || m.CompletionPct < c.MinCompletionPct {
				continue
			}
			if len(protocols) > 0 {
				if _, ok := protocols[m.Protocol]; !ok {
					continue
				}
			}
			if len(countries) > 0 {
				_, byName := countries[strings.ToUpper(m.Country)]
				_, byCode := countries[strings.ToUpper(m.CountryCode)]
				if !byName && !byCode {
					continue
				}
			}
			if maxAge > 0 && now.Sub(m.LastSync) > maxAge {
				continue
			}
			if len(c.Include) > 0 && !matchesAny(c.Include, m.URL) {
				continue
			}
			if matchesAny(c.Exclude, m.URL) {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// FilterSlice collects Filter into a new slice.
func FilterSlice(mirrors []Mirror, c Criteria, now time.Time) []Mirror {
	return slices.Collect(Filter(mirrors, c, now))
}

// CompilePatterns compiles URL include/exclude expressions.
func CompilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

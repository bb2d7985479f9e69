package packages

import (
	"context"
	"log/slog"
	"slices"
)

// Set is a set of package names within a single repository.
type Set map[string]struct{}

// NewSet builds a Set from names, dropping duplicates.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Minus returns the names in s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Reader returns the package names contained in a repository database.
type Reader interface {
	Names(ctx context.Context, url string) ([]string, error)
}

// Diff is the change needed to bring a repository's known package set in
// line with its database.
type Diff struct {
	Repo    string
	URL     string
	Added   Set
	Removed Set
	All     Set
}

// Differ compares repository databases against known package sets.
type Differ struct {
	reader Reader
	logger *slog.Logger
}

func NewDiffer(reader Reader, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{reader: reader, logger: logger}
}

// Diff downloads the database at dbURL and returns added = all - known and
// removed = known - all. Reader errors are returned unchanged.
func (d *Differ) Diff(ctx context.Context, repo, dbURL string, known Set) (*Diff, error) {
	names, err := d.reader.Names(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	all := NewSet(names...)
	if known == nil {
		known = Set{}
	}

	diff := &Diff{
		Repo:    repo,
		URL:     dbURL,
		Added:   all.Minus(known),
		Removed: known.Minus(all),
		All:     all,
	}

	d.logger.Info("diffed repository",
		"repo", repo,
		"packages", len(all),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
	)
	return diff, nil
}

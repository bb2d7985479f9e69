package packages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/reposync/internal/archdb"
	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/BadgerOps/reposync/internal/store"
)

const testMirrorURL = "https://de.example/archlinux/"

type fakeSelector struct {
	sel *mirror.Selection
	err error
}

func (f *fakeSelector) SelectMirror(ctx context.Context, countries []string) (*mirror.Selection, error) {
	return f.sel, f.err
}

func (f *fakeSelector) Arch() string { return "x86_64" }

func selected() *fakeSelector {
	best := mirror.RatedMirror{Mirror: mirror.Mirror{URL: testMirrorURL, Protocol: "https", Country: "Germany"}, Rate: 4096}
	dead := mirror.RatedMirror{Mirror: mirror.Mirror{URL: "https://dead.example/", Protocol: "https"}, Error: "timeout"}
	return &fakeSelector{sel: &mirror.Selection{Mirror: best, Ranked: []mirror.RatedMirror{best, dead}, Candidates: 2}}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dbURL(repo string) string {
	return testMirrorURL + repo + "/os/x86_64/" + repo + ".db"
}

func TestUpdaterAppliesDiffs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.ApplyDiff(ctx, "core", []string{"bash", "linux", "zsh"}, nil))

	reader := &fakeReader{dbs: map[string][]string{
		dbURL("core"):                    {"bash", "linux", "vim"},
		dbURL("extra"):                   {"firefox"},
		"https://personal.example/p.db": {"couldinho-base"},
	}}

	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{
		Countries:     []string{"DE"},
		Repositories:  []string{"core", "extra"},
		PersonalRepos: []mirror.RepoDatabase{{Repo: "personal", URL: "https://personal.example/p.db"}},
	}, quietLogger())

	report, err := u.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, store.RunSuccess, report.Status)
	assert.Equal(t, testMirrorURL, report.Mirror)
	assert.Equal(t, 3, report.Current, "rows before the run")
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Added)
	assert.Equal(t, 1, report.Removed)
	require.Len(t, report.Repos, 3)

	core, err := st.ListPackages(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, []string{"bash", "linux", "vim"}, core)

	personal, err := st.ListPackages(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, []string{"couldinho-base"}, personal)

	run, err := st.GetUpdateRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 3, run.Repositories)

	ratings, err := st.ListMirrorRatings(ctx)
	require.NoError(t, err)
	require.Len(t, ratings, 2)
	assert.Equal(t, testMirrorURL, ratings[0].URL)
	assert.Equal(t, "timeout", ratings[1].Error)
}

func TestUpdaterSecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reader := &fakeReader{dbs: map[string][]string{dbURL("core"): {"bash", "linux"}}}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{Repositories: []string{"core"}}, quietLogger())

	_, err := u.Run(ctx)
	require.NoError(t, err)

	report, err := u.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Added)
	assert.Zero(t, report.Removed)
	assert.Equal(t, 2, report.Current)
	assert.Equal(t, 2, report.Total)
}

func TestUpdaterIsolatesRepositoryFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.ApplyDiff(ctx, "extra", []string{"old"}, nil))

	reader := &fakeReader{
		dbs: map[string][]string{dbURL("core"): {"bash"}},
		errs: map[string]error{
			dbURL("extra"): &archdb.DatabaseFormatError{URL: dbURL("extra"), Err: errors.New("bad magic")},
		},
	}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{Repositories: []string{"core", "extra"}}, quietLogger())

	report, err := u.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, report.Status)
	assert.NotEmpty(t, report.Repos[1].Error)

	core, err := st.ListPackages(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, []string{"bash"}, core)

	extra, err := st.ListPackages(ctx, "extra")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, extra, "failed repository must be left untouched")
}

// failingTable rejects every change to one repository.
type failingTable struct {
	*store.Store
	repo string
}

func (f *failingTable) ApplyDiff(ctx context.Context, repo string, added, removed []string) error {
	if repo == f.repo {
		return errors.New("table is read-only")
	}
	return f.Store.ApplyDiff(ctx, repo, added, removed)
}

func TestUpdaterTableFailureLeavesRepositoryUntouched(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.ApplyDiff(ctx, "extra", []string{"old"}, nil))

	reader := &fakeReader{dbs: map[string][]string{
		dbURL("core"):  {"bash"},
		dbURL("extra"): {"firefox"},
	}}
	table := &failingTable{Store: st, repo: "extra"}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), table, st, UpdaterOptions{Repositories: []string{"core", "extra"}}, quietLogger())

	report, err := u.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunPartial, report.Status)
	assert.Contains(t, report.Repos[1].Error, "read-only")

	extra, err := st.ListPackages(ctx, "extra")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, extra)

	core, err := st.ListPackages(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, []string{"bash"}, core)
}

func TestUpdaterAllRepositoriesFail(t *testing.T) {
	st := newTestStore(t)
	reader := &fakeReader{}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{Repositories: []string{"core"}}, quietLogger())

	report, err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, report.Status)

	run, err := st.GetUpdateRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "core")
}

func TestUpdaterSelectionFailure(t *testing.T) {
	st := newTestStore(t)
	sel := &fakeSelector{err: &mirror.NoMirrorAvailableError{Reason: "no mirror matched the filter criteria"}}
	reader := &fakeReader{}
	u := NewUpdater(sel, NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{Repositories: []string{"core"}}, quietLogger())

	report, err := u.Run(context.Background())
	require.ErrorIs(t, err, mirror.ErrNoMirrorAvailable)
	assert.Equal(t, store.RunFailed, report.Status)
	assert.Zero(t, reader.calls, "no database is read without a mirror")
}

func TestUpdaterDryRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reader := &fakeReader{dbs: map[string][]string{dbURL("core"): {"bash"}}}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, nil, UpdaterOptions{Repositories: []string{"core"}, DryRun: true}, quietLogger())

	report, err := u.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"bash"}, report.Repos[0].Added)

	core, err := st.ListPackages(ctx, "core")
	require.NoError(t, err)
	assert.Empty(t, core)
}

func TestUpdaterKeepsSharedNamesPerRepository(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reader := &fakeReader{dbs: map[string][]string{
		"https://p/prod.db": {"couldinho-base"},
		"https://p/dev.db":  {"couldinho-base", "couldinho-dev"},
	}}
	u := NewUpdater(selected(), NewDiffer(reader, quietLogger()), st, st, UpdaterOptions{
		PersonalRepos: []mirror.RepoDatabase{
			{Repo: "personal-prod", URL: "https://p/prod.db"},
			{Repo: "personal-dev", URL: "https://p/dev.db"},
		},
	}, quietLogger())

	_, err := u.Run(ctx)
	require.NoError(t, err)

	prod, err := st.ListPackages(ctx, "personal-prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"couldinho-base"}, prod)

	dev, err := st.ListPackages(ctx, "personal-dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"couldinho-base", "couldinho-dev"}, dev)
}

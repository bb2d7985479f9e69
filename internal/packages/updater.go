package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/reposync/internal/mirror"
	"github.com/BadgerOps/reposync/internal/store"
)

// Table is the system-of-record package table, keyed by (repository, name).
type Table interface {
	ListPackages(ctx context.Context, repo string) ([]string, error)
	// ApplyDiff adds and removes names under repo atomically.
	ApplyDiff(ctx context.Context, repo string, added, removed []string) error
	// CountPackages counts repo, or the whole table when repo is empty.
	CountPackages(ctx context.Context, repo string) (int, error)
	Repositories(ctx context.Context) ([]string, error)
}

// RunRecorder persists update runs and mirror ratings.
type RunRecorder interface {
	CreateUpdateRun(ctx context.Context, run *store.UpdateRun) error
	UpdateUpdateRun(ctx context.Context, run *store.UpdateRun) error
	SaveMirrorRatings(ctx context.Context, ratings []store.MirrorRating) error
}

// MirrorSelector picks the mirror that upstream databases are read from.
type MirrorSelector interface {
	SelectMirror(ctx context.Context, countries []string) (*mirror.Selection, error)
	Arch() string
}

// UpdaterOptions configures an Updater.
type UpdaterOptions struct {
	Countries     []string
	Repositories  []string
	PersonalRepos []mirror.RepoDatabase
	DryRun        bool
}

// RepoReport is the outcome for a single repository.
type RepoReport struct {
	Repo    string   `json:"repo"`
	URL     string   `json:"url"`
	Total   int      `json:"total"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Error   string   `json:"error,omitempty"`
}

// Report summarizes one updater run.
type Report struct {
	RunID     string       `json:"run_id"`
	Mirror    string       `json:"mirror,omitempty"`
	Status    string       `json:"status"`
	DryRun    bool         `json:"dry_run"`
	Current   int          `json:"current"` // table rows before the run
	Total     int          `json:"total"`   // packages across the databases read
	Added     int          `json:"added"`
	Removed   int          `json:"removed"`
	Repos     []RepoReport `json:"repos"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
}

// Updater selects a mirror, diffs every repository database against the
// package table and applies the changes.
type Updater struct {
	selector MirrorSelector
	differ   *Differ
	table    Table
	runs     RunRecorder
	opts     UpdaterOptions
	logger   *slog.Logger
}

// NewUpdater creates an Updater. runs may be nil.
func NewUpdater(selector MirrorSelector, differ *Differ, table Table, runs RunRecorder, opts UpdaterOptions, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		selector: selector,
		differ:   differ,
		table:    table,
		runs:     runs,
		opts:     opts,
		logger:   logger,
	}
}

// Run performs one update. Repository failures are recorded in the report
// and leave other repositories untouched. The returned error is non-nil only
// when no repository could be updated.
func (u *Updater) Run(ctx context.Context) (*Report, error) {
	run := &store.UpdateRun{
		RunID:     uuid.NewString(),
		StartTime: time.Now().UTC(),
		DryRun:    u.opts.DryRun,
		Status:    store.RunRunning,
	}
	if u.runs != nil {
		if err := u.runs.CreateUpdateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("recording update run: %w", err)
		}
	}

	log := u.logger.With("run_id", run.RunID)
	report := &Report{
		RunID:     run.RunID,
		DryRun:    u.opts.DryRun,
		StartTime: run.StartTime,
	}

	current, err := u.table.CountPackages(ctx, "")
	if err != nil {
		log.Error("counting package table failed", "error", err)
		u.finish(ctx, run, report, store.RunFailed, err.Error())
		return report, fmt.Errorf("counting package table: %w", err)
	}
	report.Current = current

	sel, err := u.selector.SelectMirror(ctx, u.opts.Countries)
	if err != nil {
		log.Error("mirror selection failed", "error", err)
		u.finish(ctx, run, report, store.RunFailed, err.Error())
		return report, fmt.Errorf("selecting mirror: %w", err)
	}
	run.Mirror = sel.Mirror.URL
	report.Mirror = sel.Mirror.URL
	u.saveRatings(ctx, log, run.RunID, sel.Ranked)

	dbs := mirror.RepoDatabases(sel.Mirror.URL, u.opts.Repositories, u.selector.Arch())
	dbs = append(dbs, u.opts.PersonalRepos...)
	log.Info("updating repositories", "mirror", sel.Mirror.URL, "repositories", len(dbs), "dry_run", u.opts.DryRun)

	var errs []error
	for _, db := range dbs {
		rr, err := u.updateRepo(ctx, db)
		if err != nil {
			log.Error("repository update failed", "repo", db.Repo, "url", db.URL, "error", err)
			rr.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", db.Repo, err))
		}
		report.Repos = append(report.Repos, rr)
		report.Total += rr.Total
		report.Added += len(rr.Added)
		report.Removed += len(rr.Removed)
	}

	status := store.RunSuccess
	switch {
	case len(errs) > 0 && len(errs) == len(dbs):
		status = store.RunFailed
	case len(errs) > 0:
		status = store.RunPartial
	}

	var msg string
	if len(errs) > 0 {
		msg = errors.Join(errs...).Error()
	}
	u.finish(ctx, run, report, status, msg)

	log.Info("update finished",
		"status", status,
		"current", report.Current,
		"total", report.Total,
		"added", report.Added,
		"removed", report.Removed,
	)

	if status == store.RunFailed {
		return report, errors.Join(errs...)
	}
	return report, nil
}

// updateRepo diffs and applies one repository. Changes touch only db.Repo.
func (u *Updater) updateRepo(ctx context.Context, db mirror.RepoDatabase) (RepoReport, error) {
	rr := RepoReport{Repo: db.Repo, URL: db.URL}

	known, err := u.table.ListPackages(ctx, db.Repo)
	if err != nil {
		return rr, fmt.Errorf("listing known packages: %w", err)
	}

	diff, err := u.differ.Diff(ctx, db.Repo, db.URL, NewSet(known...))
	if err != nil {
		return rr, err
	}

	rr.Total = len(diff.All)
	rr.Added = diff.Added.Sorted()
	rr.Removed = diff.Removed.Sorted()

	if u.opts.DryRun {
		return rr, nil
	}

	if err := u.table.ApplyDiff(ctx, db.Repo, rr.Added, rr.Removed); err != nil {
		return rr, fmt.Errorf("applying changes: %w", err)
	}
	return rr, nil
}

func (u *Updater) saveRatings(ctx context.Context, log *slog.Logger, runID string, ranked []mirror.RatedMirror) {
	if u.runs == nil || len(ranked) == 0 {
		return
	}

	now := time.Now().UTC()
	ratings := make([]store.MirrorRating, 0, len(ranked))
	for _, rm := range ranked {
		ratings = append(ratings, store.MirrorRating{
			RunID:    runID,
			URL:      rm.URL,
			Country:  rm.Country,
			Protocol: rm.Protocol,
			Rate:     rm.Rate,
			Elapsed:  rm.Elapsed,
			Error:    rm.Error,
			RatedAt:  now,
		})
	}
	if err := u.runs.SaveMirrorRatings(ctx, ratings); err != nil {
		log.Warn("failed to save mirror ratings", "error", err)
	}
}

func (u *Updater) finish(ctx context.Context, run *store.UpdateRun, report *Report, status, msg string) {
	run.EndTime = time.Now().UTC()
	run.Status = status
	run.ErrorMessage = msg
	run.Repositories = len(report.Repos)
	run.Current = report.Current
	run.Added = report.Added
	run.Removed = report.Removed

	report.Status = status
	report.EndTime = run.EndTime

	if u.runs == nil {
		return
	}
	if err := u.runs.UpdateUpdateRun(ctx, run); err != nil {
		u.logger.Warn("failed to record update run", "run_id", run.RunID, "error", err)
	}
}

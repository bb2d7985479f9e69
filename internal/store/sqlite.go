package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when an update run ID is unknown.
var ErrRunNotFound = errors.New("update run not found")

// Store provides SQLite-backed persistence for the package table, update
// runs and mirror ratings.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Package Table Operations
// ============================================================================

// ListPackages returns the package names recorded for repo, sorted by name
func (s *Store) ListPackages(ctx context.Context, repo string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM packages WHERE repo = ? ORDER BY name", repo)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}

	return names, nil
}

// ApplyDiff inserts added and deletes removed under repo in a single
// transaction. Names already present are left alone, as are removed names
// that are missing.
func (s *Store) ApplyDiff(ctx context.Context, repo string, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if len(added) > 0 {
			ins, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO packages (repo, name, added_at) VALUES (?, ?, ?)")
			if err != nil {
				return fmt.Errorf("failed to prepare insert: %w", err)
			}
			defer ins.Close()

			for _, name := range added {
				if _, err := ins.ExecContext(ctx, repo, name, now); err != nil {
					return fmt.Errorf("failed to insert package %s/%s: %w", repo, name, err)
				}
			}
		}

		if len(removed) > 0 {
			del, err := tx.PrepareContext(ctx, "DELETE FROM packages WHERE repo = ? AND name = ?")
			if err != nil {
				return fmt.Errorf("failed to prepare delete: %w", err)
			}
			defer del.Close()

			for _, name := range removed {
				if _, err := del.ExecContext(ctx, repo, name); err != nil {
					return fmt.Errorf("failed to delete package %s/%s: %w", repo, name, err)
				}
			}
		}
		return nil
	})
}

// Repositories returns every repository holding at least one package
func (s *Store) Repositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT repo FROM packages ORDER BY repo")
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repositories: %w", err)
	}

	return repos, nil
}

// CountPackages returns the number of packages in repo, or in every
// repository when repo is empty
func (s *Store) CountPackages(ctx context.Context, repo string) (int, error) {
	query := "SELECT COUNT(*) FROM packages"
	var args []interface{}
	if repo != "" {
		query += " WHERE repo = ?"
		args = append(args, repo)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count packages: %w", err)
	}
	return count, nil
}

// ============================================================================
// UpdateRun Operations
// ============================================================================

// CreateUpdateRun inserts a new UpdateRun and sets its ID
func (s *Store) CreateUpdateRun(ctx context.Context, run *UpdateRun) error {
	const query = `
		INSERT INTO update_runs (
			run_id, mirror, start_time, end_time, repositories, current,
			added, removed, dry_run, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.RunID, run.Mirror, run.StartTime, run.EndTime, run.Repositories,
		run.Current, run.Added, run.Removed, run.DryRun, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert update run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateUpdateRun updates an existing UpdateRun by ID
func (s *Store) UpdateUpdateRun(ctx context.Context, run *UpdateRun) error {
	const query = `
		UPDATE update_runs SET
			mirror = ?, start_time = ?, end_time = ?, repositories = ?, current = ?,
			added = ?, removed = ?, dry_run = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.Mirror, run.StartTime, run.EndTime, run.Repositories, run.Current,
		run.Added, run.Removed, run.DryRun, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("update run not found: %d", run.ID)
	}

	return nil
}

const updateRunColumns = `
	id, run_id, mirror, start_time, end_time, repositories, current,
	added, removed, dry_run, status, error_message
`

func scanUpdateRun(sc interface{ Scan(...any) error }, run *UpdateRun) error {
	return sc.Scan(
		&run.ID, &run.RunID, &run.Mirror, &run.StartTime, &run.EndTime,
		&run.Repositories, &run.Current, &run.Added, &run.Removed,
		&run.DryRun, &run.Status, &run.ErrorMessage,
	)
}

// GetUpdateRun retrieves an UpdateRun by its run UUID
func (s *Store) GetUpdateRun(ctx context.Context, runID string) (*UpdateRun, error) {
	query := "SELECT " + updateRunColumns + " FROM update_runs WHERE run_id = ?"

	run := &UpdateRun{}
	if err := scanUpdateRun(s.db.QueryRowContext(ctx, query, runID), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to query update run: %w", err)
	}

	return run, nil
}

// ListUpdateRuns retrieves the most recent UpdateRuns first
func (s *Store) ListUpdateRuns(ctx context.Context, limit int) ([]UpdateRun, error) {
	query := "SELECT " + updateRunColumns + " FROM update_runs ORDER BY start_time DESC, id DESC"
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query update runs: %w", err)
	}
	defer rows.Close()

	var runs []UpdateRun
	for rows.Next() {
		run := UpdateRun{}
		if err := scanUpdateRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan update run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating update runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// MirrorRating Operations
// ============================================================================

// SaveMirrorRatings replaces the stored ratings with those of a new pass
func (s *Store) SaveMirrorRatings(ctx context.Context, ratings []MirrorRating) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mirror_ratings"); err != nil {
			return fmt.Errorf("failed to clear mirror ratings: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO mirror_ratings (run_id, url, country, protocol, rate, elapsed_ms, error, rated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range ratings {
			_, err := stmt.ExecContext(ctx,
				r.RunID, r.URL, r.Country, r.Protocol, r.Rate,
				r.Elapsed.Milliseconds(), r.Error, r.RatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert rating for %s: %w", r.URL, err)
			}
		}
		return nil
	})
}

// ListMirrorRatings returns the stored ratings, fastest first
func (s *Store) ListMirrorRatings(ctx context.Context) ([]MirrorRating, error) {
	const query = `
		SELECT id, run_id, url, country, protocol, rate, elapsed_ms, error, rated_at
		FROM mirror_ratings ORDER BY rate DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror ratings: %w", err)
	}
	defer rows.Close()

	var ratings []MirrorRating
	for rows.Next() {
		var (
			r         MirrorRating
			elapsedMS int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.URL, &r.Country, &r.Protocol, &r.Rate, &elapsedMS, &r.Error, &r.RatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mirror rating: %w", err)
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		ratings = append(ratings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirror ratings: %w", err)
	}

	return ratings, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

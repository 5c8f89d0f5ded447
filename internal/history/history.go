package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VoxDroid/relkit/internal/nameutil"
)

// fixed width so lexical order in SQL matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when no run matches an id.
var ErrRunNotFound = errors.New("run not found")

// Repository stores and queries release runs.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new Repository using db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordRun inserts run and its tracks in a single transaction.
func (r *Repository) RecordRun(ctx context.Context, run *Run) error {
	if err := nameutil.ValidateName(strings.TrimSpace(run.Project)); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	trx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = trx.Rollback() }()

	_, err = trx.ExecContext(ctx, `INSERT INTO runs (id, project, version, source_commit, started_at, finished_at, success)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Project, run.Version, run.SourceCommit,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout), boolInt(run.Success))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, tr := range run.Tracks {
		_, err := trx.ExecContext(ctx, `INSERT INTO tracks (run_id, name, status, kind, artifact, sha256, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, tr.Name, tr.Status, tr.Kind, tr.Artifact, tr.SHA256, tr.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert track %s: %w", tr.Name, err)
		}
	}
	return trx.Commit()
}

// ListRuns returns the most recent runs first, at most limit of them when
// limit is positive. Tracks are loaded for every returned run.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := "SELECT id, project, version, source_commit, started_at, finished_at, success FROM runs ORDER BY started_at DESC, id"
	args := []interface{}{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	for i := range out {
		if out[i].Tracks, err = r.tracks(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetRun returns the run whose id starts with prefix. An ambiguous prefix is
// an error.
func (r *Repository) GetRun(ctx context.Context, prefix string) (*Run, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, ErrRunNotFound
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, project, version, source_commit, started_at, finished_at, success FROM runs WHERE id LIKE ? ESCAPE '\\' LIMIT 2",
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	var found []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, run)
	}
	_ = rows.Close()
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	case 1:
	default:
		return nil, fmt.Errorf("run id %q is ambiguous", prefix)
	}
	run := found[0]
	if run.Tracks, err = r.tracks(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repository) tracks(ctx context.Context, runID string) ([]Track, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT name, status, kind, artifact, sha256, duration_ms FROM tracks WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Track
	for rows.Next() {
		var tr Track
		var ms int64
		if err := rows.Scan(&tr.Name, &tr.Status, &tr.Kind, &tr.Artifact, &tr.SHA256, &ms); err != nil {
			return nil, err
		}
		tr.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Close closes the underlying DB connection used by the Repository.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var started, finished string
	var success int
	if err := s.Scan(&run.ID, &run.Project, &run.Version, &run.SourceCommit, &started, &finished, &success); err != nil {
		return nil, err
	}
	var err error
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("run %s: started_at: %w", run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return nil, fmt.Errorf("run %s: finished_at: %w", run.ID, err)
	}
	run.Success = success != 0
	return &run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

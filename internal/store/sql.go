package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/shared/database"
	"github.com/jmoiron/sqlx"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	image_path     TEXT NOT NULL,
	filter_name    TEXT NOT NULL,
	intensity      INTEGER NOT NULL,
	state          TEXT NOT NULL,
	output_path    TEXT NOT NULL DEFAULT '',
	object_key     TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	claimed_by     TEXT NOT NULL DEFAULT '',
	claimed_at     BIGINT,
	attempts       INTEGER NOT NULL DEFAULT 0,
	enqueued_at    BIGINT NOT NULL,
	started_at     BIGINT,
	finished_at    BIGINT,
	updated_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_enqueued ON jobs (enqueued_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
CREATE INDEX IF NOT EXISTS idx_jobs_filter ON jobs (filter_name);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs (finished_at);
`

const jobColumns = `
	id, image_path, filter_name, intensity, state,
	output_path, object_key, failure_reason, claimed_by, claimed_at,
	attempts, enqueued_at, started_at, finished_at, updated_at
`

type jobRow struct {
	ID            string        `db:"id"`
	ImagePath     string        `db:"image_path"`
	Filter        string        `db:"filter_name"`
	Intensity     int           `db:"intensity"`
	State         string        `db:"state"`
	OutputPath    string        `db:"output_path"`
	ObjectKey     string        `db:"object_key"`
	FailureReason string        `db:"failure_reason"`
	ClaimedBy     string        `db:"claimed_by"`
	ClaimedAt     sql.NullInt64 `db:"claimed_at"`
	Attempts      int           `db:"attempts"`
	EnqueuedAt    int64         `db:"enqueued_at"`
	StartedAt     sql.NullInt64 `db:"started_at"`
	FinishedAt    sql.NullInt64 `db:"finished_at"`
	UpdatedAt     int64         `db:"updated_at"`
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func rowFromJob(job *domain.Job) jobRow {
	r := jobRow{
		ID:            job.ID,
		ImagePath:     job.Payload.ImagePath,
		Filter:        job.Payload.Filter,
		Intensity:     job.Payload.Intensity,
		State:         string(job.State),
		FailureReason: job.FailureReason,
		ClaimedBy:     job.ClaimedBy,
		ClaimedAt:     nullMillis(job.ClaimedAt),
		Attempts:      job.Attempts,
		EnqueuedAt:    job.EnqueuedAt.UnixMilli(),
		StartedAt:     nullMillis(job.StartedAt),
		FinishedAt:    nullMillis(job.FinishedAt),
		UpdatedAt:     job.UpdatedAt.UnixMilli(),
	}
	if job.Result != nil {
		r.OutputPath = job.Result.OutputPath
		r.ObjectKey = job.Result.ObjectKey
	}
	return r
}

func (r jobRow) job() *domain.Job {
	job := &domain.Job{
		ID: r.ID,
		Payload: domain.Payload{
			ImagePath: r.ImagePath,
			Filter:    r.Filter,
			Intensity: r.Intensity,
		},
		State:         domain.State(r.State),
		FailureReason: r.FailureReason,
		ClaimedBy:     r.ClaimedBy,
		ClaimedAt:     timeFromNull(r.ClaimedAt),
		Attempts:      r.Attempts,
		EnqueuedAt:    time.UnixMilli(r.EnqueuedAt),
		StartedAt:     timeFromNull(r.StartedAt),
		FinishedAt:    timeFromNull(r.FinishedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}
	if job.State == domain.StateCompleted {
		job.Result = &domain.Result{OutputPath: r.OutputPath, ObjectKey: r.ObjectKey}
	}
	return job
}

// SQLStore keeps records in the jobs table. Timestamps are stored as unix
// milliseconds so the same schema works on PostgreSQL and SQLite.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore uses an open database client. Call EnsureSchema before use.
func NewSQLStore(client *database.Client) *SQLStore {
	return &SQLStore{
		db:     client.GetDB(),
		driver: client.Driver(),
	}
}

// EnsureSchema creates the jobs table and indexes if missing
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobsSchema); err != nil {
		return fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:id, :image_path, :filter_name, :intensity, :state,
			:output_path, :object_key, :failure_reason, :claimed_by, :claimed_at,
			:attempts, :enqueued_at, :started_at, :finished_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, rowFromJob(job)); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.job(), nil
}

func (s *SQLStore) Update(ctx context.Context, id string, mutate func(*domain.Job) error) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if s.driver == database.DriverPostgres {
		query += " FOR UPDATE"
	}

	var row jobRow
	err = tx.GetContext(ctx, &row, tx.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job := row.job()
	if err := mutate(job); err != nil {
		return nil, err
	}

	update := `
		UPDATE jobs
		SET state = :state,
		    output_path = :output_path,
		    object_key = :object_key,
		    failure_reason = :failure_reason,
		    claimed_by = :claimed_by,
		    claimed_at = :claimed_at,
		    attempts = :attempts,
		    started_at = :started_at,
		    finished_at = :finished_at,
		    updated_at = :updated_at
		WHERE id = :id
	`
	if _, err := tx.NamedExecContext(ctx, update, rowFromJob(job)); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	if filter.Filter != "" {
		query += " AND filter_name = ?"
		args = append(args, filter.Filter)
	}

	if filter.Cursor != nil {
		query += " AND (enqueued_at < ? OR (enqueued_at = ? AND id < ?))"
		ms := filter.Cursor.EnqueuedAt.UnixMilli()
		args = append(args, ms, ms, filter.Cursor.JobID)
	}

	// newest first, id breaks ties so pages never overlap
	query += " ORDER BY enqueued_at DESC, id DESC"

	if filter.PageSize > 0 {
		// one extra row tells the caller another page exists
		query += " LIMIT ?"
		args = append(args, filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

func (s *SQLStore) CountByState(ctx context.Context) (map[domain.State]int64, error) {
	var rows []struct {
		State string `db:"state"`
		Count int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS count FROM jobs GROUP BY state`); err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}

	counts := make(map[domain.State]int64, len(rows))
	for _, r := range rows {
		counts[domain.State(r.State)] = r.Count
	}
	return counts, nil
}

func (s *SQLStore) CountByFilter(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Filter string `db:"filter_name"`
		Count  int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT filter_name, COUNT(*) AS count FROM jobs GROUP BY filter_name`); err != nil {
		return nil, fmt.Errorf("failed to count jobs by filter: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Filter] = r.Count
	}
	return counts, nil
}

func terminalStates() []interface{} {
	return []interface{}{domain.StateCompleted, domain.StateFailed, domain.StateCanceled}
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM jobs WHERE id = ? AND state IN (?, ?, ?)`)
	args := append([]interface{}{id}, terminalStates()...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: state is %s", domain.ErrNotDeletable, job.State)
}

func (s *SQLStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`
		DELETE FROM jobs
		WHERE finished_at IS NOT NULL
		  AND finished_at < ?
		  AND state IN (?, ?, ?)
	`)
	args := append([]interface{}{cutoff.UnixMilli()}, terminalStates()...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database client is owned by the caller
func (s *SQLStore) Close() error {
	return nil
}

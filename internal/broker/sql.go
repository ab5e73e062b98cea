package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/shared/database"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queueSchemaPostgres = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq         BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL UNIQUE,
	state       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	position    BIGINT NOT NULL,
	worker_id   TEXT NOT NULL DEFAULT '',
	token       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	enqueued_at BIGINT NOT NULL,
	claimed_at  BIGINT,
	expires_at  BIGINT,
	finished_at BIGINT,
	result      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_state_position ON queue_entries (state, position, seq);
CREATE INDEX IF NOT EXISTS idx_queue_entries_state_expires ON queue_entries (state, expires_at);
`

const queueSchemaSQLite = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL UNIQUE,
	state       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	position    INTEGER NOT NULL,
	worker_id   TEXT NOT NULL DEFAULT '',
	token       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL,
	claimed_at  INTEGER,
	expires_at  INTEGER,
	finished_at INTEGER,
	result      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_state_position ON queue_entries (state, position, seq);
CREATE INDEX IF NOT EXISTS idx_queue_entries_state_expires ON queue_entries (state, expires_at);
`

type queueRow struct {
	JobID      string        `db:"job_id"`
	State      string        `db:"state"`
	Payload    string        `db:"payload"`
	WorkerID   string        `db:"worker_id"`
	Token      string        `db:"token"`
	Attempts   int           `db:"attempts"`
	EnqueuedAt int64         `db:"enqueued_at"`
	ExpiresAt  sql.NullInt64 `db:"expires_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
	Result     string        `db:"result"`
	Reason     string        `db:"reason"`
}

func (r queueRow) entry() Entry {
	e := Entry{
		JobID:      r.JobID,
		State:      domain.State(r.State),
		WorkerID:   r.WorkerID,
		Attempts:   r.Attempts,
		EnqueuedAt: fromMillis(r.EnqueuedAt),
		Reason:     r.Reason,
	}
	_ = json.Unmarshal([]byte(r.Payload), &e.Payload)
	if r.ExpiresAt.Valid {
		t := fromMillis(r.ExpiresAt.Int64)
		e.ExpiresAt = &t
	}
	if r.FinishedAt.Valid {
		t := fromMillis(r.FinishedAt.Int64)
		e.FinishedAt = &t
	}
	if r.Result != "" {
		var res domain.Result
		if err := json.Unmarshal([]byte(r.Result), &res); err == nil {
			e.Result = &res
		}
	}
	return e
}

// SQLBroker implements Broker on a relational table. Postgres claims with
// FOR UPDATE SKIP LOCKED; sqlite relies on its single writer connection.
type SQLBroker struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

var _ Broker = (*SQLBroker)(nil)

// NewSQLBroker uses an open database client. Call EnsureSchema before use.
func NewSQLBroker(client *database.Client) *SQLBroker {
	return newSQLBroker(client.GetDB(), client.Driver())
}

func newSQLBroker(db *sqlx.DB, driver string) *SQLBroker {
	return &SQLBroker{
		db:     db,
		driver: driver,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (b *SQLBroker) WithClock(now func() time.Time) *SQLBroker {
	b.now = now
	return b
}

// EnsureSchema creates the queue table and indexes if missing
func (b *SQLBroker) EnsureSchema(ctx context.Context) error {
	schema := queueSchemaPostgres
	if b.driver == database.DriverSQLite {
		schema = queueSchemaSQLite
	}
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

func (b *SQLBroker) Enqueue(ctx context.Context, jobID string, payload domain.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	now := toMillis(b.now())
	query := b.db.Rebind(`
		INSERT INTO queue_entries (job_id, state, payload, position, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`)

	if _, err := b.db.ExecContext(ctx, query, jobID, domain.StateWaiting, string(body), now, now); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

func (b *SQLBroker) claimQuery() string {
	// reclaimed entries get position 0 so they sort ahead of fresh ones
	lock := ""
	if b.driver == database.DriverPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	return b.db.Rebind(fmt.Sprintf(`
		UPDATE queue_entries
		SET state = ?,
		    worker_id = ?,
		    token = ?,
		    attempts = attempts + 1,
		    claimed_at = ?,
		    expires_at = ?
		WHERE seq = (
			SELECT seq FROM queue_entries
			WHERE state = ?
			ORDER BY position, seq
			LIMIT 1
			%s
		)
		  AND state = ?
		RETURNING job_id, payload, attempts
	`, lock))
}

func (b *SQLBroker) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Lease, error) {
	now := b.now()
	expires := now.Add(leaseDuration)
	token := uuid.NewString()

	var row struct {
		JobID    string `db:"job_id"`
		Payload  string `db:"payload"`
		Attempts int    `db:"attempts"`
	}
	err := b.db.QueryRowxContext(ctx, b.claimQuery(),
		domain.StateActive, workerID, token, toMillis(now), toMillis(expires),
		domain.StateWaiting, domain.StateWaiting,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrQueueEmpty
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}

	var payload domain.Payload
	_ = json.Unmarshal([]byte(row.Payload), &payload)

	return &Lease{
		JobID:     row.JobID,
		Token:     token,
		WorkerID:  workerID,
		Payload:   payload,
		Attempt:   row.Attempts,
		ClaimedAt: now,
		ExpiresAt: fromMillis(toMillis(expires)),
	}, nil
}

// leaseMiss works out why a conditional update on a lease matched no row
func (b *SQLBroker) leaseMiss(ctx context.Context, lease *Lease, now time.Time) error {
	var row queueRow
	query := b.db.Rebind(`SELECT job_id, state, payload, worker_id, token, attempts, enqueued_at, expires_at, finished_at, result, reason FROM queue_entries WHERE job_id = ?`)
	err := b.db.GetContext(ctx, &row, query, lease.JobID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("lookup", err)
	}
	held := err == nil && row.State == string(domain.StateActive) && row.Token == lease.Token
	return ackFailure(lease, now, held)
}

func (b *SQLBroker) Extend(ctx context.Context, lease *Lease, leaseDuration time.Duration) error {
	now := b.now()
	expires := now.Add(leaseDuration)

	query := b.db.Rebind(`
		UPDATE queue_entries
		SET expires_at = ?
		WHERE job_id = ? AND state = ? AND token = ? AND expires_at >= ?
	`)
	res, err := b.db.ExecContext(ctx, query, toMillis(expires), lease.JobID, domain.StateActive, lease.Token, toMillis(now))
	if err != nil {
		return unavailable("extend", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return b.leaseMiss(ctx, lease, now)
	}

	lease.ExpiresAt = fromMillis(toMillis(expires))
	return nil
}

func (b *SQLBroker) Ack(ctx context.Context, lease *Lease, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}

	var result string
	if outcome.Result != nil {
		body, err := json.Marshal(outcome.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		result = string(body)
	}

	now := b.now()
	query := b.db.Rebind(`
		UPDATE queue_entries
		SET state = ?,
		    result = ?,
		    reason = ?,
		    finished_at = ?,
		    token = '',
		    expires_at = NULL
		WHERE job_id = ? AND state = ? AND token = ? AND expires_at >= ?
	`)
	res, err := b.db.ExecContext(ctx, query,
		outcome.State, result, outcome.Reason, toMillis(now),
		lease.JobID, domain.StateActive, lease.Token, toMillis(now),
	)
	if err != nil {
		return unavailable("ack", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return b.leaseMiss(ctx, lease, now)
	}
	return nil
}

func (b *SQLBroker) Cancel(ctx context.Context, jobID string) error {
	query := b.db.Rebind(`
		UPDATE queue_entries
		SET state = ?, finished_at = ?
		WHERE job_id = ? AND state = ?
	`)
	res, err := b.db.ExecContext(ctx, query, domain.StateCanceled, toMillis(b.now()), jobID, domain.StateWaiting)
	if err != nil {
		return unavailable("cancel", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var state string
	err = b.db.GetContext(ctx, &state, b.db.Rebind(`SELECT state FROM queue_entries WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return unavailable("cancel", err)
	}
	return fmt.Errorf("%w: state is %s", domain.ErrNotCancelable, state)
}

func (b *SQLBroker) ReclaimExpired(ctx context.Context) (int, error) {
	query := b.db.Rebind(`
		UPDATE queue_entries
		SET state = ?,
		    worker_id = '',
		    token = '',
		    expires_at = NULL,
		    position = 0
		WHERE state = ? AND expires_at < ?
	`)
	res, err := b.db.ExecContext(ctx, query, domain.StateWaiting, domain.StateActive, toMillis(b.now()))
	if err != nil {
		return 0, unavailable("reclaim", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (b *SQLBroker) List(ctx context.Context, state domain.State, limit int) ([]Entry, error) {
	query := `
		SELECT job_id, state, payload, worker_id, token, attempts,
		       enqueued_at, expires_at, finished_at, result, reason
		FROM queue_entries
		WHERE state = ?
	`
	args := []interface{}{state}

	if state == domain.StateWaiting {
		query += " ORDER BY position, seq"
	} else {
		query += " ORDER BY seq"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []queueRow
	if err := b.db.SelectContext(ctx, &rows, b.db.Rebind(query), args...); err != nil {
		return nil, unavailable("list", err)
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

func (b *SQLBroker) Size(ctx context.Context, state domain.State) (int64, error) {
	var n int64
	query := b.db.Rebind(`SELECT COUNT(*) FROM queue_entries WHERE state = ?`)
	if err := b.db.GetContext(ctx, &n, query, state); err != nil {
		return 0, unavailable("size", err)
	}
	return n, nil
}

func (b *SQLBroker) Remove(ctx context.Context, jobID string) error {
	query := b.db.Rebind(`DELETE FROM queue_entries WHERE job_id = ? AND state IN (?, ?, ?)`)
	res, err := b.db.ExecContext(ctx, query, jobID, domain.StateCompleted, domain.StateFailed, domain.StateCanceled)
	if err != nil {
		return unavailable("remove", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var state string
	err = b.db.GetContext(ctx, &state, b.db.Rebind(`SELECT state FROM queue_entries WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return unavailable("remove", err)
	}
	return fmt.Errorf("%w: state is %s", domain.ErrNotDeletable, state)
}

func (b *SQLBroker) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := b.db.Rebind(`
		DELETE FROM queue_entries
		WHERE state IN (?, ?, ?) AND finished_at < ?
	`)
	res, err := b.db.ExecContext(ctx, query,
		domain.StateCompleted, domain.StateFailed, domain.StateCanceled, toMillis(cutoff),
	)
	if err != nil {
		return 0, unavailable("purge", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (b *SQLBroker) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close is a no-op; the database client is owned by the caller
func (b *SQLBroker) Close() error {
	return nil
}

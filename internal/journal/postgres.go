// Package journal provides an optional PostgreSQL journal of mining runs and
// share outcomes. The journal is best-effort bookkeeping for later analysis;
// a write failure is logged and dropped, never surfaced to the mining loops.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/pkg/log"
)

// Journal records mining runs and share outcomes in PostgreSQL
type Journal struct {
	db     *sql.DB
	logger *log.Logger
	runID  int64
}

// New opens the journal database and verifies connectivity
func New(postgresURL string, logger *log.Logger) (*Journal, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Journal{db: db, logger: logger.WithComponent("journal")}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Health checks database connectivity
func (j *Journal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// EnsureSchema creates the journal tables if they do not exist
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j == nil {
		return nil
	}

	schema := `
		CREATE TABLE IF NOT EXISTS mining_runs (
			id          BIGSERIAL PRIMARY KEY,
			rig_id      TEXT NOT NULL,
			pool_url    TEXT NOT NULL,
			worker_name TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			total_shares    BIGINT,
			accepted_shares BIGINT,
			rejected_shares BIGINT,
			average_hashrate DOUBLE PRECISION
		);

		CREATE TABLE IF NOT EXISTS shares (
			id           BIGSERIAL PRIMARY KEY,
			run_id       BIGINT NOT NULL REFERENCES mining_runs(id),
			share_id     TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			device_id    INT NOT NULL,
			nonce        BIGINT NOT NULL,
			accepted     BOOLEAN NOT NULL,
			reason       TEXT,
			submitted_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS shares_run_id_idx ON shares (run_id, submitted_at);`

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// StartRun records the beginning of a mining run and remembers its id for
// subsequent share writes
func (j *Journal) StartRun(ctx context.Context, rigID, poolURL, workerName string) error {
	if j == nil {
		return nil
	}

	query := `
		INSERT INTO mining_runs (rig_id, pool_url, worker_name, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := j.db.QueryRowContext(ctx, query, rigID, poolURL, workerName, time.Now()).Scan(&j.runID)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordShare journals one share outcome. Failures are logged and swallowed.
func (j *Journal) RecordShare(ctx context.Context, candidate *mining.ShareCandidate, result *mining.ShareResult) {
	if j == nil {
		return
	}

	query := `
		INSERT INTO shares (run_id, share_id, job_id, device_id, nonce, accepted, reason, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := j.db.ExecContext(ctx, query,
		j.runID, result.ShareID, candidate.JobID, candidate.DeviceID,
		int64(candidate.Nonce), result.Accepted, result.Reason, time.Now(),
	)
	if err != nil {
		j.logger.WithError(err).Warn("share journal write failed", "share_id", result.ShareID)
	}
}

// FinishRun closes out the run record with final counters
func (j *Journal) FinishRun(ctx context.Context, counts mining.ShareCounts, averageHashrate float64) error {
	if j == nil {
		return nil
	}

	query := `
		UPDATE mining_runs
		SET finished_at = $1, total_shares = $2, accepted_shares = $3,
		    rejected_shares = $4, average_hashrate = $5
		WHERE id = $6`

	_, err := j.db.ExecContext(ctx, query,
		time.Now(), counts.Total, counts.Accepted, counts.Rejected, averageHashrate, j.runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

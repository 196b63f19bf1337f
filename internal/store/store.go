// Package store journals provisioning runs to PostgreSQL. The journal is
// optional; the ledger file stays the system of record for credentials.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Run statuses written to the journal.
const (
	RunSucceeded = "succeeded"
	RunNoKey     = "no_key"
	RunFailed    = "failed"
)

const sqlCreateSchema = `
        CREATE TABLE IF NOT EXISTS provisioning_runs (
            id UUID PRIMARY KEY,
            email TEXT NOT NULL,
            status TEXT NOT NULL,
            has_key BOOLEAN NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            summary JSONB NOT NULL DEFAULT '{}',
            started_at TIMESTAMPTZ NOT NULL,
            duration_ms BIGINT NOT NULL
        );
        CREATE TABLE IF NOT EXISTS provisioning_steps (
            run_id UUID NOT NULL REFERENCES provisioning_runs (id) ON DELETE CASCADE,
            seq INTEGER NOT NULL,
            stage TEXT NOT NULL,
            step TEXT NOT NULL,
            outcome TEXT NOT NULL,
            attempts INTEGER NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            PRIMARY KEY (run_id, seq)
        );
    `

const sqlInsertRun = `
        INSERT INTO provisioning_runs (id, email, status, has_key, error, summary, started_at, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `

const sqlRecentRuns = `
        SELECT id, email, status, has_key, error, started_at, duration_ms
        FROM provisioning_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `

var stepColumns = []string{"run_id", "seq", "stage", "step", "outcome", "attempts", "error"}

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL run journal.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the journal tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// RunRecord is one journaled provisioning run. The credential itself is never stored.
type RunRecord struct {
	ID        uuid.UUID
	Email     string
	Status    string
	HasKey    bool
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// summary is the JSON document kept alongside each run.
type summary struct {
	AccountCreatedAt time.Time            `json:"account_created_at,omitempty"`
	APIKeyCreatedAt  time.Time            `json:"api_key_created_at,omitempty"`
	Steps            []schemas.StepResult `json:"steps"`
}

// RunStatus classifies a finished run for the journal.
func RunStatus(result *schemas.ProvisioningResult, runErr error) string {
	switch {
	case runErr != nil:
		return RunFailed
	case result.HasCredential():
		return RunSucceeded
	default:
		return RunNoKey
	}
}

// RecordRun writes a run and its steps in one transaction.
func (s *Store) RecordRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, result *schemas.ProvisioningResult, runErr error) error {
	if result == nil {
		result = &schemas.ProvisioningResult{}
	}
	doc, err := json.Marshal(summary{
		AccountCreatedAt: result.AccountCreatedAt,
		APIKeyCreatedAt:  result.APIKeyCreatedAt,
		Steps:            result.Steps,
	})
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		runID,
		result.Email,
		RunStatus(result, runErr),
		result.HasCredential(),
		errText,
		doc,
		startedAt.UTC(),
		result.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}

	if len(result.Steps) > 0 {
		if err := s.persistSteps(ctx, tx, runID, result.Steps); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, runID uuid.UUID, steps []schemas.StepResult) error {
	rows := make([][]any, len(steps))
	for i, st := range steps {
		rows[i] = []any{runID, i, string(st.Stage), st.Step, string(st.Outcome), st.Attempts, st.Error}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"provisioning_steps"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy steps: %w", err)
	}
	if int(n) != len(steps) {
		return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(steps), n)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.Email, &r.Status, &r.HasKey, &r.Error, &r.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

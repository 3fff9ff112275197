// Package storage persists an audit trail of chunk attempts for the
// operator surface. It records outcomes, not metrics: windowed metrics
// deliberately live only in memory.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Attempt outcomes recorded per chunk attempt.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeReclaimed = "reclaimed"
	OutcomeExhausted = "exhausted"
	OutcomeDiscarded = "discarded"
)

// AttemptRecord is one row of the chunk attempt audit trail.
type AttemptRecord struct {
	ID           string    `json:"id"`
	ChunkID      string    `json:"chunk_id"`
	WorkerID     string    `json:"worker_id,omitempty"`
	AttemptToken int64     `json:"attempt_token"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	RangeStart   int64     `json:"range_start"`
	RangeEnd     int64     `json:"range_end"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ChunkHistoryStorage defines the interface for the attempt audit trail
type ChunkHistoryStorage interface {
	// RecordAttempt appends one attempt outcome
	RecordAttempt(ctx context.Context, rec *AttemptRecord) error

	// List retrieves records for one chunk (or all chunks when chunkID
	// is empty), newest first
	List(ctx context.Context, chunkID string, limit int) ([]*AttemptRecord, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteChunkHistory implements ChunkHistoryStorage using SQLite
type SQLiteChunkHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteChunkHistory creates a new SQLite-backed attempt history.
// The database starts fresh each run; the audit trail covers the
// current processing run only.
func NewSQLiteChunkHistory(logger *zap.Logger, dbPath string) (*SQLiteChunkHistory, error) {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove old database: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteChunkHistory{
		logger: logger,
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteChunkHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunk_attempts (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL,
			worker_id TEXT,
			attempt_token INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			range_start INTEGER NOT NULL,
			range_end INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_attempts_chunk_id ON chunk_attempts(chunk_id);
		CREATE INDEX IF NOT EXISTS idx_chunk_attempts_outcome ON chunk_attempts(outcome);
		CREATE INDEX IF NOT EXISTS idx_chunk_attempts_recorded_at ON chunk_attempts(recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// RecordAttempt implements ChunkHistoryStorage.RecordAttempt
func (s *SQLiteChunkHistory) RecordAttempt(ctx context.Context, rec *AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunk_attempts (
			id, chunk_id, worker_id, attempt_token, outcome, detail,
			range_start, range_end, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ChunkID,
		sql.NullString{String: rec.WorkerID, Valid: rec.WorkerID != ""},
		rec.AttemptToken,
		rec.Outcome,
		sql.NullString{String: rec.Detail, Valid: rec.Detail != ""},
		rec.RangeStart,
		rec.RangeEnd,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record chunk attempt: %w", err)
	}
	return nil
}

// List implements ChunkHistoryStorage.List
func (s *SQLiteChunkHistory) List(ctx context.Context, chunkID string, limit int) ([]*AttemptRecord, error) {
	query := `
		SELECT id, chunk_id, worker_id, attempt_token, outcome, detail,
		       range_start, range_end, recorded_at
		FROM chunk_attempts`
	args := make([]interface{}, 0, 2)

	if chunkID != "" {
		query += " WHERE chunk_id = ?"
		args = append(args, chunkID)
	}
	query += " ORDER BY recorded_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk attempts: %w", err)
	}
	defer rows.Close()

	var records []*AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var workerID, detail sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.ChunkID,
			&workerID,
			&rec.AttemptToken,
			&rec.Outcome,
			&detail,
			&rec.RangeStart,
			&rec.RangeEnd,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk attempt: %w", err)
		}
		rec.WorkerID = workerID.String
		rec.Detail = detail.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// DeleteBefore implements ChunkHistoryStorage.DeleteBefore
func (s *SQLiteChunkHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM chunk_attempts WHERE recorded_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete old chunk attempts: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("Cleaned up old chunk attempts", zap.Int64("deleted", n))
	}
	return nil
}

// Close implements ChunkHistoryStorage.Close
func (s *SQLiteChunkHistory) Close() error {
	return s.db.Close()
}

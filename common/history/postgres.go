package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kkkqkx123/graph-agent-go/common/db"
)

// PostgresStore persists history records in Postgres.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed history store.
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// InitSchema creates the history table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS execution_history (
			history_id TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL,
			node_id    TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			status     TEXT NOT NULL,
			result     JSONB,
			metadata   JSONB
		);
		CREATE INDEX IF NOT EXISTS execution_history_thread_ts
			ON execution_history (thread_id, ts);
	`

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to init history schema: %w", err)
	}
	return nil
}

// Append inserts a record.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO execution_history (history_id, thread_id, node_id, ts, status, result, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal history result: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal history metadata: %w", err)
	}

	_, err = s.db.Exec(
		ctx,
		query,
		rec.ID,
		rec.ThreadID,
		rec.NodeID,
		rec.Timestamp,
		rec.Status,
		result,
		metadata,
	)

	if err != nil {
		return fmt.Errorf("failed to append history record: %w", err)
	}

	return nil
}

// ByThread retrieves a thread's records in ascending timestamp order.
func (s *PostgresStore) ByThread(ctx context.Context, threadID string) ([]*Record, error) {
	query := `
		SELECT history_id, thread_id, node_id, ts, status, result, metadata
		FROM execution_history
		WHERE thread_id = $1
		ORDER BY ts ASC
	`

	rows, err := s.db.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec := &Record{}
		var result, metadata []byte
		err := rows.Scan(
			&rec.ID,
			&rec.ThreadID,
			&rec.NodeID,
			&rec.Timestamp,
			&rec.Status,
			&result,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &rec.Result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history result: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history metadata: %w", err)
			}
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return recs, nil
}

// Clear drops all records for one thread.
func (s *PostgresStore) Clear(ctx context.Context, threadID string) error {
	query := `DELETE FROM execution_history WHERE thread_id = $1`

	if _, err := s.db.Exec(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// ClearAll drops all records.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	query := `TRUNCATE execution_history`

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to clear all history: %w", err)
	}
	return nil
}

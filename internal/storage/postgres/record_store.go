package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/crawld/internal/core"
)

// RecordStore persists extracted records in Postgres. Batches are written
// inside a transaction so a run's output is never half-visible.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore constructs a RecordStore on an existing pool.
func NewRecordStore(pool *pgxpool.Pool) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// StoreRecords inserts the batch atomically.
func (s *RecordStore) StoreRecords(ctx context.Context, records []core.ExtractedRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin records tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			_ = err
		}
	}()

	batch := &pgx.Batch{}
	for _, r := range records {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("marshal record fields: %w", err)
		}
		batch.Queue(
			`INSERT INTO records (job_id, plugin_id, fields, extracted_at) VALUES ($1,$2,$3,$4)`,
			r.JobID, r.PluginID, fieldsJSON, r.ExtractedAt)
	}
	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert record: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close records batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit records tx: %w", err)
	}
	return nil
}

// ListRecords returns records for a plugin extracted at or after since,
// oldest first.
func (s *RecordStore) ListRecords(ctx context.Context, pluginID string, since time.Time) ([]core.ExtractedRecord, error) {
	query := `SELECT job_id, plugin_id, fields, extracted_at FROM records
		WHERE plugin_id = $1 AND extracted_at >= $2
		ORDER BY extracted_at, job_id`
	rows, err := s.pool.Query(ctx, query, pluginID, since)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []core.ExtractedRecord
	for rows.Next() {
		var (
			record     core.ExtractedRecord
			fieldsJSON []byte
		)
		if err := rows.Scan(&record.JobID, &record.PluginID, &fieldsJSON, &record.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &record.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal record fields: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

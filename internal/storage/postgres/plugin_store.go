package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crawlkit/crawld/internal/core"
)

// PluginStore persists plugin definitions in Postgres.
type PluginStore struct {
	db DB
}

// NewPluginStore constructs a PluginStore on an existing pool.
func NewPluginStore(db DB) (*PluginStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PluginStore{db: db}, nil
}

const pluginColumns = `id, name, target_url, source_type, fields, schedule,
	enabled, fail_on_empty, fetch_timeout_seconds, max_attempts, created_at, updated_at`

// CreatePlugin inserts a new plugin row.
func (s *PluginStore) CreatePlugin(ctx context.Context, plugin core.Plugin) error {
	fieldsJSON, err := json.Marshal(plugin.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	query := `INSERT INTO plugins (` + pluginColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = s.db.Exec(ctx, query,
		plugin.ID, plugin.Name, plugin.TargetURL, string(plugin.Source), fieldsJSON,
		plugin.Schedule, plugin.Enabled, plugin.FailOnEmpty, plugin.FetchTimeoutSeconds,
		plugin.MaxAttempts, plugin.Created, plugin.Updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("insert plugin: %w", err)
	}
	return nil
}

// UpdatePlugin replaces an existing plugin row.
func (s *PluginStore) UpdatePlugin(ctx context.Context, plugin core.Plugin) error {
	fieldsJSON, err := json.Marshal(plugin.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	query := `UPDATE plugins SET
		name = $2, target_url = $3, source_type = $4, fields = $5, schedule = $6,
		enabled = $7, fail_on_empty = $8, fetch_timeout_seconds = $9,
		max_attempts = $10, updated_at = $11
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query,
		plugin.ID, plugin.Name, plugin.TargetURL, string(plugin.Source), fieldsJSON,
		plugin.Schedule, plugin.Enabled, plugin.FailOnEmpty, plugin.FetchTimeoutSeconds,
		plugin.MaxAttempts, plugin.Updated)
	if err != nil {
		return fmt.Errorf("update plugin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DeletePlugin removes a plugin row.
func (s *PluginStore) DeletePlugin(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// GetPlugin fetches a plugin by ID.
func (s *PluginStore) GetPlugin(ctx context.Context, id string) (core.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE id = $1`
	plugin, err := scanPlugin(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Plugin{}, core.ErrNotFound
		}
		return core.Plugin{}, fmt.Errorf("get plugin: %w", err)
	}
	return plugin, nil
}

// ListPlugins returns all plugins ordered by creation time.
func (s *PluginStore) ListPlugins(ctx context.Context) ([]core.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var out []core.Plugin
	for rows.Next() {
		plugin, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin row: %w", err)
		}
		out = append(out, plugin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return out, nil
}

func scanPlugin(row pgx.Row) (core.Plugin, error) {
	var (
		plugin     core.Plugin
		sourceType string
		fieldsJSON []byte
	)
	err := row.Scan(
		&plugin.ID, &plugin.Name, &plugin.TargetURL, &sourceType, &fieldsJSON,
		&plugin.Schedule, &plugin.Enabled, &plugin.FailOnEmpty,
		&plugin.FetchTimeoutSeconds, &plugin.MaxAttempts, &plugin.Created, &plugin.Updated)
	if err != nil {
		return core.Plugin{}, err
	}
	plugin.Source = core.SourceType(sourceType)
	if err := json.Unmarshal(fieldsJSON, &plugin.Fields); err != nil {
		return core.Plugin{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return plugin, nil
}

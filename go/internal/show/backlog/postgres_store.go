package backlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/livecue/go/internal/sqlutil"
)

const (
	createKVTable = `CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	selectKV = `SELECT value FROM kv_store WHERE key = $1`

	upsertKV = `INSERT INTO kv_store (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// PostgresStore keeps the backlog as one JSONB row of a key/value table
type PostgresStore struct {
	db  *sql.DB
	key string
}

// NewPostgresStore creates a store writing to key. Call Migrate once before use.
func NewPostgresStore(db *sql.DB, key string) *PostgresStore {
	if key == "" {
		key = DefaultKey
	}
	return &PostgresStore{db: db, key: key}
}

// Migrate creates the key/value table if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createKVTable); err != nil {
		return fmt.Errorf("create kv_store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]QueuedAction, error) {
	var value pqtype.NullRawMessage
	err := s.db.QueryRowContext(ctx, selectKV, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", s.key, err)
	}
	return decode(sqlutil.FromNullRawMessage(value))
}

func (s *PostgresStore) Save(ctx context.Context, actions []QueuedAction) error {
	data, err := encode(actions)
	if err != nil {
		return err
	}
	err = sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertKV, s.key, sqlutil.ToNullRawMessage(data))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", s.key, err)
	}
	return nil
}

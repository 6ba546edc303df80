package transcript

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists transcripts in a conversations table, one row per
// item, upserted on (session_id, item_id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, runs embedded migrations, and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse transcript dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect transcript store: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := sql.OpenDB(stdlib.GetPoolConnector(pool))
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run transcript migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID string, item Item) error {
	content := item.Content
	if len(content) == 0 {
		content = json.RawMessage(`[]`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (session_id, item_id, object, item_type, status, role, content, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, item_id) DO UPDATE
		SET object = EXCLUDED.object,
		    item_type = EXCLUDED.item_type,
		    status = EXCLUDED.status,
		    role = EXCLUDED.role,
		    content = EXCLUDED.content`,
		sessionID, item.ID, item.Object, item.Type, item.Status, item.Role, content, item.TimestampMS)
	if err != nil {
		return fmt.Errorf("append transcript item: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSince(ctx context.Context, sessionID string, sinceMS int64) ([]Item, error) {
	return s.list(ctx, sessionID, sinceMS)
}

func (s *PostgresStore) ListAll(ctx context.Context, sessionID string) ([]Item, error) {
	return s.list(ctx, sessionID, -1)
}

func (s *PostgresStore) list(ctx context.Context, sessionID string, sinceMS int64) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, object, item_type, status, role, content, timestamp_ms
		FROM conversations
		WHERE session_id = $1 AND timestamp_ms > $2
		ORDER BY timestamp_ms ASC`,
		sessionID, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("list transcript items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Object, &item.Type, &item.Status, &item.Role, &item.Content, &item.TimestampMS); err != nil {
			return nil, fmt.Errorf("scan transcript item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcript items: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

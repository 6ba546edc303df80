// Package transcript persists conversation items per call session. The
// engine behind the Store interface is a collaborator: an in-memory map for
// tests and single-node runs, Postgres when a DSN is configured.
package transcript

import (
	"context"
	"encoding/json"
)

// Item is one persisted conversation row. ID is the opaque identifier
// issued by the AI service, unique within a session; TimestampMS is the
// insertion ordering key.
type Item struct {
	ID          string
	Object      string
	Type        string
	Status      string
	Role        string
	Content     json.RawMessage
	TimestampMS int64
}

// Store is an append/read log of conversation items keyed by session.
// Append upserts: re-appending an existing item identifier replaces its
// content and status, which is how transcript completions land after the
// initial created row.
type Store interface {
	Append(ctx context.Context, sessionID string, item Item) error
	ListSince(ctx context.Context, sessionID string, sinceMS int64) ([]Item, error)
	ListAll(ctx context.Context, sessionID string) ([]Item, error)
	Close() error
}

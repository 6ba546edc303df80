package transcript

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps transcripts in process memory. Suitable for tests and
// deployments without a database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Item)}
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sessions[sessionID]
	for i := range items {
		if items[i].ID == item.ID {
			// Upsert: keep the original timestamp so ordering is stable.
			item.TimestampMS = items[i].TimestampMS
			items[i] = item
			return nil
		}
	}
	s.sessions[sessionID] = append(items, item)
	return nil
}

func (s *MemoryStore) ListSince(ctx context.Context, sessionID string, sinceMS int64) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Item
	for _, item := range s.sessions[sessionID] {
		if item.TimestampMS > sinceMS {
			out = append(out, item)
		}
	}
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) ListAll(ctx context.Context, sessionID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.sessions[sessionID]
	out := make([]Item, len(items))
	copy(out, items)
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].TimestampMS < items[j].TimestampMS
	})
}

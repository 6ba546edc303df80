package session

import (
	"encoding/json"

	"github.com/devize-ai/callbridge/pkg/bridge/realtime"
	"github.com/devize-ai/callbridge/pkg/bridge/transcript"
)

// itemLog is the session's in-memory conversation history, keyed by the
// item identifier issued by the AI service. Content may be filled in
// asynchronously as transcripts complete. Mutated only by the session
// event loop.
type itemLog struct {
	order []string
	byID  map[string]*conversationItem
}

type conversationItem struct {
	realtime.Item
	createdAtMS int64
}

func newItemLog() *itemLog {
	return &itemLog{byID: make(map[string]*conversationItem)}
}

// Upsert creates the item if absent, otherwise refreshes the fields the
// service reported. The creation timestamp is set once.
func (l *itemLog) Upsert(item realtime.Item, nowMS int64) {
	if item.ID == "" {
		return
	}
	existing, ok := l.byID[item.ID]
	if !ok {
		l.order = append(l.order, item.ID)
		l.byID[item.ID] = &conversationItem{Item: item, createdAtMS: nowMS}
		return
	}
	if item.Object != "" {
		existing.Object = item.Object
	}
	if item.Type != "" {
		existing.Type = item.Type
	}
	if item.Status != "" {
		existing.Status = item.Status
	}
	if item.Role != "" {
		existing.Role = item.Role
	}
	if len(item.Content) > 0 {
		existing.Content = item.Content
	}
}

// SetTranscript records the completed transcript for an item. A transcript
// for an identifier the log has never seen is dropped, matching the
// tolerance for out-of-order service events.
func (l *itemLog) SetTranscript(itemID, text string) bool {
	item, ok := l.byID[itemID]
	if !ok {
		return false
	}
	item.Content = []realtime.ContentPart{{Type: "audio", Transcript: text}}
	item.Status = "completed"
	return true
}

func (l *itemLog) Len() int {
	return len(l.order)
}

func (l *itemLog) Get(itemID string) (realtime.Item, bool) {
	item, ok := l.byID[itemID]
	if !ok {
		return realtime.Item{}, false
	}
	return item.Item, true
}

// Row converts a single item into a transcript store row.
func (l *itemLog) Row(itemID string) (transcript.Item, bool) {
	item, ok := l.byID[itemID]
	if !ok {
		return transcript.Item{}, false
	}
	content, err := json.Marshal(item.Content)
	if err != nil {
		content = json.RawMessage(`[]`)
	}
	return transcript.Item{
		ID:          item.ID,
		Object:      item.Object,
		Type:        item.Type,
		Status:      item.Status,
		Role:        item.Role,
		Content:     content,
		TimestampMS: item.createdAtMS,
	}, true
}

// Rows converts the log into transcript store rows in creation order.
func (l *itemLog) Rows() []transcript.Item {
	rows := make([]transcript.Item, 0, len(l.order))
	for _, id := range l.order {
		item := l.byID[id]
		content, err := json.Marshal(item.Content)
		if err != nil {
			content = json.RawMessage(`[]`)
		}
		rows = append(rows, transcript.Item{
			ID:          item.ID,
			Object:      item.Object,
			Type:        item.Type,
			Status:      item.Status,
			Role:        item.Role,
			Content:     content,
			TimestampMS: item.createdAtMS,
		})
	}
	return rows
}

// replayEvents converts stored rows into conversation.item.create events
// for seeding a fresh AI session with prior context.
func replayEvents(rows []transcript.Item) []realtime.ConversationItemCreate {
	events := make([]realtime.ConversationItemCreate, 0, len(rows))
	for _, row := range rows {
		var content []realtime.ContentPart
		if len(row.Content) > 0 {
			// Rows with unreadable content are replayed without it rather
			// than dropped.
			_ = json.Unmarshal(row.Content, &content)
		}
		events = append(events, realtime.NewMessageItem(row.ID, row.Type, row.Role, content))
	}
	return events
}

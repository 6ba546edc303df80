package realtime

import "encoding/json"

const audioFormatG711ULaw = "g711_ulaw"

// Tool describes a function the model may invoke, as carried inside
// session.update.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is the session.update payload body.
type SessionConfig struct {
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds the configuration event sent once the service
// signals session.created. Audio is G.711 mu-law in both directions so the
// relay never transcodes.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	cfg.InputAudioFormat = audioFormatG711ULaw
	cfg.OutputAudioFormat = audioFormatG711ULaw
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text", "audio"}
	}
	return SessionUpdate{Type: "session.update", Session: cfg}
}

type ResponseOptions struct {
	Instructions string `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

// NewResponseCreate requests a model response. Instructions may be empty,
// e.g. for the continuation after a tool result.
func NewResponseCreate(instructions string) ResponseCreate {
	event := ResponseCreate{Type: "response.create"}
	if instructions != "" {
		event.Response = &ResponseOptions{Instructions: instructions}
	}
	return event
}

// ItemPayload is the body of conversation.item.create: either a replayed
// message or a function-call output.
type ItemPayload struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	Type string      `json:"type"`
	Item ItemPayload `json:"item"`
}

// NewFunctionCallOutput reports a tool result back to the model, keyed by
// the call identifier the model issued.
func NewFunctionCallOutput(callID string, output json.RawMessage) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ItemPayload{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}
}

// NewMessageItem replays a stored conversation item into a fresh session.
func NewMessageItem(id, itemType, role string, content []ContentPart) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ItemPayload{
			ID:      id,
			Type:    itemType,
			Role:    role,
			Content: content,
		},
	}
}

type ConversationItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

// NewItemTruncate trims the service-side record of an assistant item to
// the audio the caller actually heard before interrupting.
func NewItemTruncate(itemID string, audioEndMS int64) ConversationItemTruncate {
	return ConversationItemTruncate{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMS: audioEndMS,
	}
}

type InputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewInputAudioAppend forwards one caller audio chunk, payload untouched.
func NewInputAudioAppend(payload string) InputAudioBufferAppend {
	return InputAudioBufferAppend{Type: "input_audio_buffer.append", Audio: payload}
}

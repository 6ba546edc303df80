// Package realtime speaks the OpenAI Realtime WebSocket protocol: typed
// JSON events in both directions, with passthrough G.711 mu-law audio.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is an inbound server event. The relay reacts to a defined subset
// and logs-and-ignores everything else; unknown event types decode as
// UnknownEvent rather than failing.
type Event interface {
	realtimeEvent() string
}

// SessionCreated is the first event after a successful handshake. Receiving
// it is the trigger for session configuration and the greeting response.
type SessionCreated struct{}

func (e SessionCreated) realtimeEvent() string { return "session.created" }

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct{}

func (e SessionUpdated) realtimeEvent() string { return "session.updated" }

// ContentPart is one element of a conversation item's content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

// Item is a conversation item as reported by the service.
type Item struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Type    string        `json:"type,omitempty"`
	Status  string        `json:"status,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ConversationItemCreated reports a new item in the service-side transcript.
type ConversationItemCreated struct {
	Item Item
}

func (e ConversationItemCreated) realtimeEvent() string { return "conversation.item.created" }

// AudioDelta carries one chunk of synthesized speech for an assistant item.
type AudioDelta struct {
	ItemID string
	Delta  string
}

func (e AudioDelta) realtimeEvent() string { return "response.audio.delta" }

// AudioTranscriptDone delivers the final transcript of a synthesized
// assistant response.
type AudioTranscriptDone struct {
	ItemID     string
	Transcript string
}

func (e AudioTranscriptDone) realtimeEvent() string { return "response.audio_transcript.done" }

// SpeechStarted fires when server-side VAD detects the caller talking.
// This is the barge-in trigger.
type SpeechStarted struct {
	AudioStartMS int64
	ItemID       string
}

func (e SpeechStarted) realtimeEvent() string { return "input_audio_buffer.speech_started" }

// FunctionCallArgumentsDone means the model finished streaming the
// arguments for a tool invocation. Arguments is the raw JSON the model
// produced.
type FunctionCallArgumentsDone struct {
	Name      string
	CallID    string
	Arguments json.RawMessage
}

func (e FunctionCallArgumentsDone) realtimeEvent() string {
	return "response.function_call_arguments.done"
}

// ResponseDone marks the end of a model response.
type ResponseDone struct{}

func (e ResponseDone) realtimeEvent() string { return "response.done" }

// ErrorEvent is a service-reported error. It is informational: the session
// keeps running.
type ErrorEvent struct {
	Code    string
	Message string
}

func (e ErrorEvent) realtimeEvent() string { return "error" }

// UnknownEvent preserves event types the relay does not handle.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) realtimeEvent() string { return e.Type }

type inboundEnvelope struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Item       *Item  `json:"item"`

	AudioStartMS int64 `json:"audio_start_ms"`

	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`

	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeEvent parses one inbound service event. Malformed JSON is an error
// for the caller to log and skip; unhandled event types decode as
// UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode realtime event: %w", err)
	}

	eventType := strings.TrimSpace(envelope.Type)
	switch eventType {
	case "session.created":
		return SessionCreated{}, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "conversation.item.created":
		event := ConversationItemCreated{}
		if envelope.Item != nil {
			event.Item = *envelope.Item
		}
		return event, nil
	case "response.audio.delta":
		return AudioDelta{ItemID: envelope.ItemID, Delta: envelope.Delta}, nil
	case "response.audio_transcript.done":
		return AudioTranscriptDone{ItemID: envelope.ItemID, Transcript: envelope.Transcript}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: envelope.AudioStartMS, ItemID: envelope.ItemID}, nil
	case "response.function_call_arguments.done":
		return FunctionCallArgumentsDone{
			Name:      envelope.Name,
			CallID:    envelope.CallID,
			Arguments: json.RawMessage(envelope.Arguments),
		}, nil
	case "response.done":
		return ResponseDone{}, nil
	case "error":
		event := ErrorEvent{}
		if envelope.Error != nil {
			event.Code = envelope.Error.Code
			event.Message = envelope.Error.Message
		}
		return event, nil
	case "":
		return nil, fmt.Errorf("realtime event missing type")
	default:
		return UnknownEvent{
			Type: eventType,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

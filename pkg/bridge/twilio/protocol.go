// Package twilio speaks the Twilio Media Streams WebSocket protocol:
// JSON envelopes carrying base64 G.711 mu-law audio, plus the start/mark/clear
// control events used for playback synchronization.
package twilio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MarkName labels outbound audio chunks so the far side can acknowledge
// exactly one chunk per mark event.
const MarkName = "responsePart"

// Event is an inbound frame from the telephony stream.
type Event interface {
	telephonyEvent() string
}

// StartEvent carries the stream identity assigned by the telephony provider.
// It arrives exactly once, before any outbound frame can be addressed.
type StartEvent struct {
	StreamSID  string
	CallSID    string
	AccountSID string
}

func (e StartEvent) telephonyEvent() string { return "start" }

// MediaEvent is one chunk of caller audio. Payload stays base64-encoded
// end to end; the relay never transcodes. TimestampMS is the caller-side
// media clock in milliseconds since stream start.
type MediaEvent struct {
	Payload     string
	TimestampMS int64
}

func (e MediaEvent) telephonyEvent() string { return "media" }

// MarkEvent acknowledges that a previously sent chunk finished playing.
type MarkEvent struct {
	Name string
}

func (e MarkEvent) telephonyEvent() string { return "mark" }

// StopEvent signals the end of the media stream.
type StopEvent struct{}

func (e StopEvent) telephonyEvent() string { return "stop" }

// UnknownEvent preserves frames the relay does not react to. Unknown event
// kinds must never fail a live call.
type UnknownEvent struct {
	Event string
	Raw   json.RawMessage
}

func (e UnknownEvent) telephonyEvent() string { return e.Event }

type inboundEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID  string `json:"streamSid"`
		CallSID    string `json:"callSid"`
		AccountSID string `json:"accountSid"`
	} `json:"start"`
	Media *struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// DecodeFrame parses one inbound telephony frame. Malformed JSON is an
// error for the caller to log and skip; unrecognized event kinds decode
// successfully as UnknownEvent.
func DecodeFrame(data []byte) (Event, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode telephony frame: %w", err)
	}

	switch strings.TrimSpace(envelope.Event) {
	case "start":
		event := StartEvent{}
		if envelope.Start != nil {
			event.StreamSID = envelope.Start.StreamSID
			event.CallSID = envelope.Start.CallSID
			event.AccountSID = envelope.Start.AccountSID
		}
		return event, nil
	case "media":
		event := MediaEvent{}
		if envelope.Media != nil {
			event.Payload = envelope.Media.Payload
			if ms, err := strconv.ParseInt(strings.TrimSpace(envelope.Media.Timestamp), 10, 64); err == nil {
				event.TimestampMS = ms
			}
		}
		return event, nil
	case "mark":
		event := MarkEvent{}
		if envelope.Mark != nil {
			event.Name = envelope.Mark.Name
		}
		return event, nil
	case "stop":
		return StopEvent{}, nil
	case "":
		return nil, fmt.Errorf("telephony frame missing event")
	default:
		return UnknownEvent{
			Event: envelope.Event,
			Raw:   append(json.RawMessage(nil), data...),
		}, nil
	}
}

// MediaFrame is an outbound audio chunk addressed to the stream.
type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

func NewMediaFrame(streamSID, payload string) MediaFrame {
	return MediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payload},
	}
}

// MarkFrame asks the telephony side to echo a mark event back once the
// audio queued before it has been played.
type MarkFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

func NewMarkFrame(streamSID, name string) MarkFrame {
	return MarkFrame{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      MarkPayload{Name: name},
	}
}

// ClearFrame discards any buffered, not-yet-played audio on the telephony
// side. Sent on barge-in.
type ClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{
		Event:     "clear",
		StreamSID: streamSID,
	}
}

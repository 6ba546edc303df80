package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Built-in tool names. The relay special-cases ToolEndCall to begin
// graceful teardown after the output is delivered.
const (
	ToolGetRates        = "get_rates"
	ToolSendFollowUpSMS = "send_follow_up_sms"
	ToolEndCall         = "end_call"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// RateSource supplies the informational payload for get_rates. A fixed
// string satisfies it.
type RateSource interface {
	CurrentRates(ctx context.Context) (string, error)
}

// StaticRates returns the same rate sheet on every call.
type StaticRates string

func (s StaticRates) CurrentRates(ctx context.Context) (string, error) {
	return string(s), nil
}

type getRatesTool struct {
	source RateSource
}

// NewGetRates builds the rate-sheet lookup tool.
func NewGetRates(source RateSource) Executor {
	return getRatesTool{source: source}
}

func (t getRatesTool) Name() string { return ToolGetRates }

func (t getRatesTool) Definition() Definition {
	return Definition{
		Name:        ToolGetRates,
		Description: "Get todays most recent mortgage rates",
		Parameters:  emptyObjectSchema,
	}
}

func (t getRatesTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if t.source == nil {
		return nil, fmt.Errorf("rate source is not configured")
	}
	rates, err := t.source.CurrentRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	return json.Marshal(map[string]string{"rates": rates})
}

// Messenger is the outbound text-message side effect behind
// send_follow_up_sms.
type Messenger interface {
	Send(ctx context.Context, to, body string) error
}

type sendSMSTool struct {
	messenger Messenger
	recipient string
}

// NewSendFollowUpSMS builds the follow-up text tool. The recipient is fixed
// to the caller for the lifetime of the session: the model chooses the
// message, never the destination.
func NewSendFollowUpSMS(messenger Messenger, recipient string) Executor {
	return sendSMSTool{messenger: messenger, recipient: recipient}
}

func (t sendSMSTool) Name() string { return ToolSendFollowUpSMS }

func (t sendSMSTool) Definition() Definition {
	return Definition{
		Name:        ToolSendFollowUpSMS,
		Description: "Sends a text to the person you are currently talking to",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {
					"type": "string",
					"description": "The message to send the user"
				}
			},
			"required": ["message"]
		}`),
	}
}

func (t sendSMSTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if t.messenger == nil {
		return nil, fmt.Errorf("messenger is not configured")
	}
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse sms arguments: %w", err)
	}
	if strings.TrimSpace(params.Message) == "" {
		return nil, fmt.Errorf("sms message must not be empty")
	}
	if err := t.messenger.Send(ctx, t.recipient, params.Message); err != nil {
		return nil, fmt.Errorf("send follow-up sms: %w", err)
	}
	return json.Marshal(map[string]string{"sent": "true"})
}

type endCallTool struct{}

// NewEndCall builds the hang-up tool. The executor only produces the
// acknowledgment payload; the relay observes the tool name and begins
// graceful teardown once the output has been sent.
func NewEndCall() Executor {
	return endCallTool{}
}

func (t endCallTool) Name() string { return ToolEndCall }

func (t endCallTool) Definition() Definition {
	return Definition{
		Name:        ToolEndCall,
		Description: "End the current phone call",
		Parameters:  emptyObjectSchema,
	}
}

func (t endCallTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"status": "ending"})
}

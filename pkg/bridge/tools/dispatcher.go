package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Dispatcher wraps a Registry with per-call-id deduplication. The model may
// retry a function call; side effects like sending a text message are
// user-visible, so a repeated call identifier returns the recorded output
// instead of executing again.
type Dispatcher struct {
	registry *Registry

	mu   sync.Mutex
	seen map[string]json.RawMessage
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		seen:     make(map[string]json.RawMessage),
	}
}

func (d *Dispatcher) Has(name string) bool {
	if d == nil {
		return false
	}
	return d.registry.Has(name)
}

func (d *Dispatcher) Definitions() []Definition {
	if d == nil {
		return nil
	}
	return d.registry.Definitions()
}

// Dispatch executes the named tool at most once per call identifier and
// always yields a structured output payload. Handler errors are converted
// to an error-shaped payload; only ErrUnknownTool surfaces, so the relay
// can distinguish "no such capability" from "capability failed".
func (d *Dispatcher) Dispatch(ctx context.Context, name, callID string, args json.RawMessage) (json.RawMessage, error) {
	if d == nil {
		return nil, errors.New("tool dispatcher is not initialized")
	}

	if callID != "" {
		d.mu.Lock()
		if output, ok := d.seen[callID]; ok {
			d.mu.Unlock()
			return output, nil
		}
		d.mu.Unlock()
	}

	output, err := d.registry.Execute(ctx, name, args)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			return nil, err
		}
		output = errorOutput(err)
	}

	if callID != "" {
		d.mu.Lock()
		d.seen[callID] = output
		d.mu.Unlock()
	}
	return output, nil
}

func errorOutput(err error) json.RawMessage {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"error":"tool execution failed"}`)
	}
	return payload
}

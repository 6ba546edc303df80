// Package tools executes the named side effects the model may request
// during a call. Handler failures become error-shaped outputs, never
// propagated errors: the call continues regardless of tool success.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTool is returned when the model names a capability that was
// never registered. The relay treats this as a silent no-op so a schema
// mismatch cannot kill the call.
var ErrUnknownTool = errors.New("unknown tool")

// Definition is the schema advertised to the model for function selection.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Executor is one named capability.
type Executor interface {
	Name() string
	Definition() Definition
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[ex.Name()] = ex
	}
	return registry
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions lists every registered tool schema in name order, for the
// session-configuration event.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.byName))
	for _, name := range r.Names() {
		defs = append(defs, r.byName[name].Definition())
	}
	return defs
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if r == nil {
		return nil, fmt.Errorf("tool registry is not configured")
	}
	ex, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return ex.Execute(ctx, args)
}

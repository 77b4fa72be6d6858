// Package tools exposes the capabilities agents can invoke through a
// uniform gateway, decoupling agent reasoning from tool transport.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownTool = errors.New("unknown tool")

// Descriptor advertises one invocable tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Gateway is the uniform surface agents use to call tools. Implementations
// translate the named invocation to whatever backs the tool (an upstream
// API, a local computation) and return the result as JSON.
type Gateway interface {
	Tools() []Descriptor
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// handler executes one tool against already-decoded arguments.
type handler func(ctx context.Context, args json.RawMessage) (any, error)

// registry is the common Gateway core: a named tool table with JSON
// marshaling of results.
type registry struct {
	order    []Descriptor
	handlers map[string]handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]handler)}
}

func (r *registry) add(name, description string, h handler) {
	r.order = append(r.order, Descriptor{Name: name, Description: description})
	r.handlers[name] = h
}

func (r *registry) Tools() []Descriptor {
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

func (r *registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	res, err := h(ctx, args)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", name, err)
	}
	return data, nil
}

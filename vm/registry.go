package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/bikerush/core"
)

// Handler is the function signature every call module must implement.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry maps call methods to Handlers. Thread-safe for concurrent
// registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.Method]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.Method]Handler)}
}

// Register associates method with h. Panics on duplicate registration.
func (r *Registry) Register(method core.Method, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("vm: handler already registered for %q", method))
	}
	r.handlers[method] = h
}

// Execute dispatches payload to the handler registered for method.
func (r *Registry) Execute(method core.Method, ctx *Context, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return core.Revert(core.ErrUnknownCall, "method %q", method)
	}
	return h(ctx, payload)
}

var globalRegistry = NewRegistry()

// Register adds a handler to the global registry.
// Module init() functions call this to self-register.
func Register(method core.Method, h Handler) {
	globalRegistry.Register(method, h)
}

// Decode unmarshals a call payload, reporting malformed input as an
// invalid argument. An empty payload leaves v untouched.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return core.Revert(core.ErrInvalidArgument, "decode payload: %v", err)
	}
	return nil
}

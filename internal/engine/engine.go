package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Engine is the out-of-process statistical computation capability. Connect is
// expensive (seconds) and is only ever called by a Session.
type Engine interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a live connection to a started engine.
type Conn interface {
	// Probe reports whether the engine still answers a trivial liveness check.
	Probe(ctx context.Context) bool
	// LoadExtension installs or loads a named runtime extension (an R package).
	LoadExtension(ctx context.Context, name string) error
	// Submit runs one script to completion and returns its named result tree.
	Submit(ctx context.Context, req Request) (Value, error)
	Close() error
}

// Request is one script submission. Data is an already-encoded JSON object the
// script can read; the engine treats it as opaque.
type Request struct {
	ID     string          `json:"id"`
	Script string          `json:"script"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Value is the engine's structured response: field name -> scalar, sequence or
// nested Value. Consumers decode it by name, never by position.
type Value map[string]any

// ScriptError is a failure reported by the engine for a submitted script. Kind
// is the structured error kind when the engine boundary supplies one; it is
// empty when only the raw message is known.
type ScriptError struct {
	Kind    string
	Message string
}

func (e *ScriptError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "script failed"
	}
	if k := strings.TrimSpace(e.Kind); k != "" {
		return fmt.Sprintf("engine script error (%s): %s", k, msg)
	}
	return "engine script error: " + msg
}

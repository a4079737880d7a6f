package client

import (
	"context"
	"errors"
	"fmt"
)

// DefinitionKind identifies one of the three listing namespaces a
// server exposes.
type DefinitionKind string

const (
	KindTools     DefinitionKind = "tools"
	KindResources DefinitionKind = "resources"
	KindPrompts   DefinitionKind = "prompts"
)

// ErrUnknownKind is returned when a DefinitionKind is not one of the
// three recognized values.
var ErrUnknownKind = errors.New("client: unknown definition kind")

// Valid reports whether k is one of the recognized kinds.
func (k DefinitionKind) Valid() bool {
	switch k {
	case KindTools, KindResources, KindPrompts:
		return true
	}
	return false
}

// Definition describes one tool, resource, or prompt advertised by a
// server. Schema holds the kind-specific payload (input schema for
// tools, argument descriptors for prompts) without interpretation.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        DefinitionKind `json:"kind"`
	URI         string         `json:"uri,omitempty"`
	MIMEType    string         `json:"mimeType,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Content is one block of a call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Result is the structured outcome of a single tool call. IsError marks
// a result the server produced but flagged as a failure; transport
// failures are reported as Go errors instead.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text returns the concatenated text blocks of the result.
func (r Result) Text() string {
	var s string
	for _, c := range r.Content {
		s += c.Text
	}
	return s
}

// Connection is a live session to one endpoint. Implementations wrap
// whatever transport actually carries the protocol.
//
// Contract:
// - Concurrency: a Connection is lent to one caller at a time by the
//   pool; implementations need not be safe for concurrent calls.
// - Errors: transport failures are returned, never panicked.
// - Close must be idempotent.
type Connection interface {
	// ID returns a stable identifier for pool bookkeeping.
	ID() string

	// CallTool invokes the named tool with structured arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)

	// ListTools returns the tool definitions the server advertises.
	ListTools(ctx context.Context) ([]Definition, error)

	// ListResources returns the resource definitions the server advertises.
	ListResources(ctx context.Context) ([]Definition, error)

	// ListPrompts returns the prompt definitions the server advertises.
	ListPrompts(ctx context.Context) ([]Definition, error)

	// Ping checks liveness. A nil return means the connection is usable.
	Ping(ctx context.Context) error

	// Close releases the underlying transport.
	Close() error
}

// Factory produces a live Connection for an endpoint. It may block on
// dialing and may fail; the pool calls it outside its internal lock.
type Factory func(ctx context.Context, endpoint string) (Connection, error)

// ListByKind dispatches to the listing method matching kind.
func ListByKind(ctx context.Context, conn Connection, kind DefinitionKind) ([]Definition, error) {
	switch kind {
	case KindTools:
		return conn.ListTools(ctx)
	case KindResources:
		return conn.ListResources(ctx)
	case KindPrompts:
		return conn.ListPrompts(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

package client

import (
	"context"
	"errors"
	"testing"
)

type listConn struct {
	tools     []Definition
	resources []Definition
	prompts   []Definition
}

func (c *listConn) ID() string { return "list-conn" }

func (c *listConn) CallTool(_ context.Context, _ string, _ map[string]any) (Result, error) {
	return Result{}, nil
}

func (c *listConn) ListTools(_ context.Context) ([]Definition, error)     { return c.tools, nil }
func (c *listConn) ListResources(_ context.Context) ([]Definition, error) { return c.resources, nil }
func (c *listConn) ListPrompts(_ context.Context) ([]Definition, error)   { return c.prompts, nil }
func (c *listConn) Ping(_ context.Context) error                          { return nil }
func (c *listConn) Close() error                                          { return nil }

func TestDefinitionKind_Valid(t *testing.T) {
	for _, kind := range []DefinitionKind{KindTools, KindResources, KindPrompts} {
		if !kind.Valid() {
			t.Errorf("kind %q should be valid", kind)
		}
	}
	if DefinitionKind("widgets").Valid() {
		t.Error("unknown kind should not be valid")
	}
}

func TestListByKind(t *testing.T) {
	conn := &listConn{
		tools:     []Definition{{Name: "search", Kind: KindTools}},
		resources: []Definition{{Name: "readme", Kind: KindResources}, {Name: "license", Kind: KindResources}},
		prompts:   []Definition{{Name: "summarize", Kind: KindPrompts}},
	}
	ctx := context.Background()

	tests := []struct {
		kind DefinitionKind
		want int
	}{
		{KindTools, 1},
		{KindResources, 2},
		{KindPrompts, 1},
	}
	for _, tt := range tests {
		defs, err := ListByKind(ctx, conn, tt.kind)
		if err != nil {
			t.Fatalf("ListByKind(%s) failed: %v", tt.kind, err)
		}
		if len(defs) != tt.want {
			t.Errorf("ListByKind(%s) returned %d definitions, want %d", tt.kind, len(defs), tt.want)
		}
	}

	if _, err := ListByKind(ctx, conn, "widgets"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ListByKind with unknown kind returned %v, want ErrUnknownKind", err)
	}
}

func TestResult_Text(t *testing.T) {
	r := Result{Content: []Content{
		{Type: "text", Text: "hello "},
		{Type: "text", Text: "world"},
	}}
	if got := r.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

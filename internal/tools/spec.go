// Package tools defines the callable tools exposed to agents. Each tool is a
// Spec value carrying its name, input schema, reflected output schema and a
// Handler. Specs are collected in an append-only Registry; the dispatcher
// publishes a registry as a whole and never edits one in place.
package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/invopop/jsonschema"

	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/validate"
)

// Class groups tools by how the dispatcher routes them.
type Class string

const (
	// ClassRetrieval tools consult the retrieval cache before executing.
	ClassRetrieval Class = "retrieval"
	// ClassConfig tools project the active configuration snapshot.
	ClassConfig Class = "config"
	// ClassAnalysis tools delegate to the external analysis capability.
	ClassAnalysis Class = "analysis"
)

// Call is what a Handler receives: arguments already accepted by the tool's
// input schema and the snapshot captured when the call started.
type Call struct {
	Args     map[string]any
	Snapshot config.Snapshot
}

// Handler executes one tool call. The returned value is serialised as JSON
// and must conform to the tool's output schema.
type Handler interface {
	Handle(ctx context.Context, call Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

// Spec describes one tool.
type Spec struct {
	// Name is the unique tool name callers invoke.
	Name string

	// Description is the agent-facing explanation of what the tool does.
	Description string

	Class Class

	// Input declares and validates the accepted arguments.
	Input validate.Schema

	// Output is the JSON schema of a successful result.
	Output *jsonschema.Schema

	Handler Handler
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Registry is an ordered, append-only set of tool specs. The zero value is
// an empty registry.
type Registry struct {
	specs []Spec
	index map[string]int
}

// NewRegistry builds a registry from specs, in order.
func NewRegistry(specs ...Spec) (*Registry, error) {
	return (&Registry{}).With(specs...)
}

// With returns a new registry holding r's specs followed by specs. r is
// left unchanged.
func (r *Registry) With(specs ...Spec) (*Registry, error) {
	next := &Registry{
		specs: make([]Spec, 0, len(r.specs)+len(specs)),
		index: make(map[string]int, len(r.specs)+len(specs)),
	}
	for _, s := range r.specs {
		next.index[s.Name] = len(next.specs)
		next.specs = append(next.specs, s)
	}
	for _, s := range specs {
		if !namePattern.MatchString(s.Name) {
			return nil, fmt.Errorf("tools: invalid tool name %q", s.Name)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("tools: tool %q has no handler", s.Name)
		}
		if _, dup := next.index[s.Name]; dup {
			return nil, fmt.Errorf("tools: tool %q registered twice", s.Name)
		}
		next.index[s.Name] = len(next.specs)
		next.specs = append(next.specs, s)
	}
	return next, nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	i, ok := r.index[name]
	if !ok {
		return Spec{}, false
	}
	return r.specs[i], true
}

// Specs returns the registered specs in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.specs))
	for i, s := range r.specs {
		out[i] = s.Name
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.specs) }

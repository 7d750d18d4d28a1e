// Package tools defines tool metadata, the handler contract and the
// registry the executor resolves calls against. A tool is described by its
// Definition (risk tier, limits, schema) and implemented by a Handler;
// registration binds the two and compiles the input schema so arguments are
// validated before any side effect can happen.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/baton/runtime/run"
)

// DefaultTimeout bounds a single tool invocation attempt when the
// definition does not set one.
const DefaultTimeout = 30 * time.Second

type (
	// Definition describes one callable tool.
	Definition struct {
		// Name uniquely identifies the tool.
		Name string `json:"name"`
		// Description tells the model what the tool does.
		Description string `json:"description,omitempty"`
		// RiskTier classifies the blast radius of a call.
		RiskTier run.RiskTier `json:"riskTier"`
		// ApprovalExempt waives the approval gate for medium-risk tools.
		// High and critical tiers ignore it.
		ApprovalExempt bool `json:"approvalExempt,omitempty"`
		// Timeout bounds each invocation attempt. Zero means
		// DefaultTimeout.
		Timeout time.Duration `json:"timeout,omitempty"`
		// Retry governs re-invocation after transient failures.
		Retry RetryPolicy `json:"retry"`
		// MaxCallsPerRun caps executions of this tool within one run. Zero
		// means unlimited.
		MaxCallsPerRun int `json:"maxCallsPerRun,omitempty"`
		// MaxCallsPerMinute caps executions of this tool across all runs.
		// Zero means unlimited.
		MaxCallsPerMinute int `json:"maxCallsPerMinute,omitempty"`
		// InputSchema is the JSON Schema arguments must satisfy. Empty
		// skips validation.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// RetryPolicy configures the backoff applied to transient failures.
	RetryPolicy struct {
		// MaxRetries is the number of re-invocations after the first
		// attempt. Zero disables retries.
		MaxRetries int `json:"maxRetries,omitempty"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `json:"initialBackoff,omitempty"`
		// BackoffMultiplier grows the delay after each retry.
		BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration `json:"maxBackoff,omitempty"`
	}

	// Handler executes a tool call. Args are the validated (and possibly
	// approval-edited) JSON arguments; the returned message is the tool's
	// JSON result. Handlers flag recoverable failures by returning errors
	// wrapped with Transient.
	Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

	// Registry holds the tools available to a runtime.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		def     Definition
		handler Handler
		schema  *jsonschema.Schema
	}
)

// RequiresApproval reports whether calls to this tool must clear the
// approval gate before executing.
func (d *Definition) RequiresApproval() bool {
	return d.RiskTier.RequiresApproval(d.ApprovalExempt)
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. The definition's input schema is compiled eagerly so
// a malformed schema fails here rather than at call time. Registering the
// same name twice is an error.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if def.RiskTier == "" {
		def.RiskTier = run.RiskLow
	}
	if !def.RiskTier.Valid() {
		return fmt.Errorf("tool %s: unknown risk tier %q", def.Name, def.RiskTier)
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		var err error
		if schema, err = compileSchema(def.Name, def.InputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	r.entries[def.Name] = &entry{def: def, handler: h, schema: schema}
	return nil
}

// Resolve returns the definition and handler for a tool name. An
// unregistered name yields *UnknownToolError.
func (r *Registry) Resolve(name string) (Definition, Handler, error) {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return Definition{}, nil, &UnknownToolError{Name: name}
	}
	return e.def, e.handler, nil
}

// ValidateArgs checks JSON arguments against the tool's input schema.
// Tools without a schema accept anything well-formed.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return &UnknownToolError{Name: name}
	}

	if len(args) == 0 {
		args = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", name, err)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %s: arguments do not match schema: %w", name, err)
	}
	return nil
}

// Definitions returns the registered definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func compileSchema(name string, schemaBytes []byte) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal input schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile input schema: %w", name, err)
	}
	return schema, nil
}

// Package tools defines the tool registry and the executor that runs
// tool calls against the CRM resource layer with caching, invalidation,
// artifact offload, and telemetry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/llm"
)

// SafetyClass partitions tools into cacheable reads and invalidating
// writes.
type SafetyClass string

const (
	ReadOnly SafetyClass = "READ_ONLY"
	Write    SafetyClass = "WRITE"
)

// Request is the uniform handler input: validated args plus the
// internal token minted for this call.
type Request struct {
	TenantUUID string
	Token      string
	Args       json.RawMessage
	Caller     auth.CallerIdentity
}

// Response is the uniform handler output. StatusCode follows HTTP
// semantics; anything below 400 is a success.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports whether the response is a success.
func (r *Response) OK() bool {
	return r.StatusCode < 400
}

// Handler executes one tool call against the resource layer.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Definition declares one tool: its schema, safety class, cache
// policy, and handler.
type Definition struct {
	// Name is the unique tool identifier the model calls it by.
	Name string

	// Description is the natural-language description advertised to
	// the model.
	Description string

	// Module is the resource module the tool reads or writes. It is
	// the first segment of read-only cache keys.
	Module string

	// Safety decides whether results are cached (ReadOnly) or writes
	// invalidate (Write).
	Safety SafetyClass

	// TTL is the cache lifetime for read-only results. Zero uses the
	// executor default.
	TTL time.Duration

	// Invalidates lists the modules whose cached entries a successful
	// write evicts.
	Invalidates []string

	// Destructive marks tools that permanently remove data. They are
	// denied outright in assistant contexts.
	Destructive bool

	// Schema is the JSON schema for the tool's arguments.
	Schema json.RawMessage

	// Summarize renders a short human summary of a successful result.
	// Nil falls back to truncated raw output.
	Summarize func(body json.RawMessage) string

	// Timeout overrides the executor's per-tool timeout when positive.
	Timeout time.Duration

	Handler Handler

	compiled *jsonschema.Schema
}

// denyMarkers is the substring deny-list applied to tool names in
// addition to the explicit Destructive flag.
var denyMarkers = []string{"delete", "drop", "truncate", "wipe", "purge"}

// Denied reports whether the tool is blocked in assistant contexts.
func (d *Definition) Denied() bool {
	if d.Destructive {
		return true
	}
	lower := strings.ToLower(d.Name)
	for _, marker := range denyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ValidateArgs checks args against the tool's compiled schema.
func (d *Definition) ValidateArgs(args json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return d.compiled.Validate(decoded)
}

// Registry holds the tool set keyed by name. Registration happens at
// boot; lookups are concurrent-safe afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register compiles the tool's schema and adds it. Duplicate names and
// invalid schemas are rejected.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if def.Safety != ReadOnly && def.Safety != Write {
		return fmt.Errorf("tool %q has invalid safety class %q", def.Name, def.Safety)
	}

	if len(def.Schema) > 0 {
		compiled, err := jsonschema.CompileString(def.Name+".json", string(def.Schema))
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the advertisable tool schemas for the LLM adapter.
// Denied tools are not advertised.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, def := range r.tools {
		if def.Denied() {
			continue
		}
		schema := def.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Schema:      schema,
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

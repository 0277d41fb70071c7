package tool

import (
	"context"
	"fmt"
	"sync"
)

// Kind categorizes what a tool does, driving automatic permission decisions.
type Kind string

const (
	KindRead        Kind = "read"
	KindEdit        Kind = "edit"
	KindExecute     Kind = "execute"
	KindDelete      Kind = "delete"
	KindSearch      Kind = "search"
	KindFetch       Kind = "fetch"
	KindThink       Kind = "think"
	KindCommunicate Kind = "communicate"
)

// MutatorKinds require explicit confirmation in ask-mode policies.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds are auto-approved even under ask-mode.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Context carries the request-scoped data a tool execution needs. It is the
// core's only window into the outside world for a tool call.
type Context struct {
	WorkingDir  string
	ProjectRoot string
	SessionID   string
	Trusted     bool
}

// Result is the outcome of one tool execution, threaded back into the
// conversation as a ToolResult content block.
type Result struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Tool is the abstraction the core sees for every invocable capability; it
// never knows about the concrete file/shell/network implementation behind it.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}, toolCtx Context) (*Result, error)
}

// Definition is the wire-shape handed to a model alongside a request.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds the tools available to a given agent run.
type Registry interface {
	Register(t Tool) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is a mutex-guarded map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry returns an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return defs
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Executor runs a named tool call by looking it up in a Registry. It is the
// one seam the Agent Loop Engine depends on; concrete transports (subprocess
// sandboxing, remote execution) live behind this interface, out of the core.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, toolCtx Context) (*Result, error)
}

// RegistryExecutor executes tools directly against an in-process Registry.
type RegistryExecutor struct {
	registry Registry
}

// NewRegistryExecutor builds an Executor backed by registry.
func NewRegistryExecutor(registry Registry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

func (e *RegistryExecutor) Execute(ctx context.Context, name string, args map[string]interface{}, toolCtx Context) (*Result, error) {
	t, ok := e.registry.Get(name)
	if !ok {
		return &Result{IsError: true, Content: fmt.Sprintf("unknown tool %q", name)}, nil
	}
	return t.Execute(ctx, args, toolCtx)
}

// Permissions is the (allow, deny) set governing which tools an agent may
// call. The decision rule is: deny wins; otherwise an empty allow-list means
// "allow everything"; otherwise membership in allow is required.
type Permissions struct {
	Allow map[string]bool
	Deny  map[string]bool
}

// NewPermissions builds a Permissions set from allow/deny name lists.
func NewPermissions(allow, deny []string) Permissions {
	p := Permissions{Allow: make(map[string]bool), Deny: make(map[string]bool)}
	for _, n := range allow {
		p.Allow[n] = true
	}
	for _, n := range deny {
		p.Deny[n] = true
	}
	return p
}

// CanUseTool applies the deny-then-allow-if-nonempty decision rule.
func (p Permissions) CanUseTool(name string) bool {
	if p.Deny[name] {
		return false
	}
	if len(p.Allow) > 0 && !p.Allow[name] {
		return false
	}
	return true
}

// Merge returns the set union of two Permissions (allow ∪ allow, deny ∪ deny).
func (p Permissions) Merge(other Permissions) Permissions {
	merged := Permissions{Allow: make(map[string]bool), Deny: make(map[string]bool)}
	for n := range p.Allow {
		merged.Allow[n] = true
	}
	for n := range other.Allow {
		merged.Allow[n] = true
	}
	for n := range p.Deny {
		merged.Deny[n] = true
	}
	for n := range other.Deny {
		merged.Deny[n] = true
	}
	return merged
}

// DefaultPermissions returns the built-in tool-permission set for a known
// agent type. Unknown types get permissive defaults (no allow-list).
func DefaultPermissions(agentType string) Permissions {
	switch agentType {
	case "explore", "review":
		return NewPermissions([]string{"file_read", "glob", "grep", "list_dir"}, nil)
	case "plan":
		return NewPermissions([]string{"file_read", "glob", "grep", "list_dir", "save_memory"}, nil)
	case "implement":
		return NewPermissions(nil, nil)
	case "bash":
		return NewPermissions([]string{"shell"}, nil)
	default:
		return NewPermissions(nil, nil)
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/workspace"
)

// Executor runs one call against env. A returned error becomes an
// error-flagged result so the model can correct itself.
type Executor func(ctx context.Context, env Env, args json.RawMessage) (Outcome, error)

// Tool pairs a definition with its category, target declaration and executor.
type Tool struct {
	Definition unifiedllm.ToolDefinition
	Category   Category
	// Targets returns the file references a call will touch. A nil func or
	// an empty result leaves the targets undeclared and the call runs alone.
	Targets func(args json.RawMessage) []string
	// Anchor returns the text an edit tried to match.
	Anchor  func(args json.RawMessage) string
	Execute Executor
}

// Env is what an executor can reach. Files is a worktree for mutations
// scheduled in parallel and the execution's tree otherwise.
type Env struct {
	Files        workspace.Files
	Outputs      *OutputStore
	Orchestrator Orchestrator
}

// DelegateTask is one unit of work handed to a specialist.
type DelegateTask struct {
	Role         string   `json:"role" validate:"required" jsonschema:"description=Specialist role such as styling or schema or markup"`
	Instructions string   `json:"instructions" validate:"required" jsonschema:"description=What the specialist should change"`
	Files        []string `json:"files,omitempty" jsonschema:"description=Files the specialist should focus on"`
}

// Orchestrator runs the tools that coordinate other agents or the user.
type Orchestrator interface {
	Delegate(ctx context.Context, tasks []DelegateTask) (OrchestrationOutcome, error)
	Review(ctx context.Context, focus string) (OrchestrationOutcome, error)
	Clarify(ctx context.Context, question string) (OrchestrationOutcome, error)
}

// Registry maps tool names to tools.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool, rejecting incomplete definitions and duplicates.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition.Name
	if name == "" {
		return fmt.Errorf("register: tool has no name")
	}
	if tool.Execute == nil {
		return fmt.Errorf("register %s: no executor", name)
	}
	switch tool.Category {
	case CategoryLookup, CategoryMutation, CategoryOrchestration:
	default:
		return fmt.Errorf("register %s: invalid category %q", name, tool.Category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.tools[name] = &tool
	return nil
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered names in sorted order.
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

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the definitions of the named tools in the given
// order, or of every tool sorted by name when names is empty.
func (r *Registry) Definitions(names ...string) []unifiedllm.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition)
		}
	}
	return defs
}

// Validate checks that the registry holds exactly the declared tool set.
func (r *Registry) Validate(declared []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]bool, len(declared))
	var missing, extra []string
	for _, name := range declared {
		want[name] = true
		if _, ok := r.tools[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range r.tools {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing handlers for "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "undeclared tools "+strings.Join(extra, ", "))
	}
	return fmt.Errorf("tool registry incomplete: %s", strings.Join(parts, "; "))
}

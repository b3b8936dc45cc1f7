package toolexecutor

import (
	"fmt"
	"sync"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/rs/zerolog/log"
)

// Registry holds the tools available to an agent, in registration order.
// It is populated at startup and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register validates a tool, compiles its schema and adds it.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.validate(); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(tool.Parameters)
	if err != nil {
		return fmt.Errorf("invalid tool definition %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}

	tool.schema = schema
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)

	log.Debug().Str("tool", tool.Name).Msg("Tool registered")

	return nil
}

// MustRegister registers tools and panics on the first failure.
func (r *Registry) MustRegister(tools ...*Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns registered tool names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Catalogue returns the schemas of all tools in registration order.
func (r *Registry) Catalogue() []completion.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	catalogue := make([]completion.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		catalogue = append(catalogue, r.tools[name].Schema())
	}
	return catalogue
}

package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tmc/langchaingo/llms"
)

// ToolProvider resolves MCP tool definitions.
type ToolProvider interface {
	Tools(context.Context) ([]mcp.Tool, error)
}

// Registry keeps the registered tool definitions for discovery and logging.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]mcp.Tool
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		tools: map[string]mcp.Tool{},
	}
}

// Register stores a tool definition for discovery.
func (r *Registry) Register(tool mcp.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name] = tool
}

// Get returns a tool by name when present.
func (r *Registry) Get(name string) (mcp.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns the registered tool definitions sorted by name.
func (r *Registry) Tools(ctx context.Context) ([]mcp.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}

	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})

	return tools, ctx.Err()
}

// CatalogBytes is the size of the tool catalog as a client receives it.
func (r *Registry) CatalogBytes(ctx context.Context) (int, error) {
	tools, err := r.Tools(ctx)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ModelContextSize reports the context window of a client model, used to put
// the catalog size in proportion at startup.
func (r *Registry) ModelContextSize(modelName string) int {
	return llms.GetModelContextSize(modelName)
}

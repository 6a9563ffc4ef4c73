package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ToolFunc executes one tool call and returns the textual result handed back
// to the model as a role=tool message.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

type toolEntry struct {
	description string
	parameters  json.RawMessage
	fn          ToolFunc
}

type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]toolEntry
}

func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]toolEntry)}
	r.Register("current_time", "Returns the current UTC time in RFC 3339 format.", nil,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		})
	return r
}

func (r *ToolRegistry) Register(name, description string, parameters json.RawMessage, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = toolEntry{description: description, parameters: parameters, fn: fn}
}

func (r *ToolRegistry) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q is not registered", name)
	}
	return entry.fn(ctx, args)
}

// Specs lists the registered tools in the wire shape of the chat API,
// sorted by name for stable requests.
func (r *ToolRegistry) Specs() []chatTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]chatTool, 0, len(names))
	for _, name := range names {
		entry := r.tools[name]
		specs = append(specs, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        name,
				Description: entry.description,
				Parameters:  entry.parameters,
			},
		})
	}
	return specs
}

func newToolResultID(callID string) string {
	if callID != "" {
		return "tool-" + callID
	}
	return uuid.NewString()
}

// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool defines the tool interface, the registry the scheduler
// executes from, and the shared output truncation helper.
//
// A tool is a named capability the LLM can invoke: file access, search,
// shell, or anything an extension contributes. Execution is sequential and
// cancellable; a failed execution becomes an error-flagged result handed
// back to the LLM, never a scheduler failure.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

// Result is what a tool execution produces. Content goes back to the LLM;
// Details is opaque structured data for hosts and renderers.
type Result struct {
	Content []protocol.Content
	Details map[string]any
	IsError bool
}

// TextResult builds a plain text result.
func TextResult(text string) Result {
	return Result{Content: protocol.TextContent(text)}
}

// ErrorResult builds an error-flagged text result.
func ErrorResult(text string) Result {
	return Result{Content: protocol.TextContent(text), IsError: true}
}

// UpdateFunc receives incremental output from long-running tools. Updates
// are advisory; the final Result is authoritative.
type UpdateFunc func(partial Result)

// Tool is one capability the LLM can invoke.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description explains the tool to the LLM.
	Description() string

	// Schema returns the JSON schema of the argument object.
	Schema() map[string]any

	// Execute runs the tool. Cancelling ctx must stop the work; onUpdate
	// may be nil.
	Execute(ctx context.Context, callID string, args map[string]any, onUpdate UpdateFunc) (Result, error)
}

// Registry holds the executable tool set for a session. Registration
// order is preserved for the definitions sent to the LLM.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	builtins map[string]bool

	// OnOverride is invoked when a registration replaces a built-in
	// tool name.
	OnOverride func(name string)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		builtins: make(map[string]bool),
	}
}

// RegisterBuiltin adds a built-in tool. Later Register calls with the
// same name override it with a warning.
func (r *Registry) RegisterBuiltin(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(t)
	r.builtins[t.Name()] = true
}

// Register adds or replaces a tool. Replacing a built-in triggers
// OnOverride so hosts can surface the shadowing.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	overridden := r.builtins[t.Name()]
	r.add(t)
	callback := r.OnOverride
	r.mu.Unlock()

	if overridden && callback != nil {
		callback(t.Name())
	}
}

func (r *Registry) add(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute looks up and runs a tool. An unknown name or an execution error
// comes back as an error-flagged Result so the LLM can react; the error
// return is reserved for context cancellation.
func (r *Registry) Execute(ctx context.Context, name, callID string, args map[string]any, onUpdate UpdateFunc) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name)), nil
	}

	result, err := t.Execute(ctx, callID, args, onUpdate)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

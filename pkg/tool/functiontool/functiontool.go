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

// Package functiontool builds tools from typed Go functions: the argument
// struct's json/jsonschema tags become the parameter schema, and incoming
// argument maps are decoded into the struct before the function runs.
//
//	type GrepArgs struct {
//	    Pattern string `json:"pattern" jsonschema:"required,description=Regex to search for"`
//	    Path    string `json:"path,omitempty" jsonschema:"description=Directory to search"`
//	}
//
//	grep, err := functiontool.New(
//	    functiontool.Config{Name: "grep", Description: "Search file contents"},
//	    func(ctx context.Context, args GrepArgs) (tool.Result, error) { ... },
//	)
//
// Tools that stream incremental output implement tool.Tool directly.
package functiontool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

// Config names and describes the tool.
type Config struct {
	Name        string
	Description string
}

// Handler is the typed execution function.
type Handler[Args any] func(ctx context.Context, args Args) (tool.Result, error)

// New creates a tool from a typed function.
func New[Args any](cfg Config, fn Handler[Args]) (tool.Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{
		config: cfg,
		fn:     fn,
		schema: schema,
	}, nil
}

// NewWithValidation creates a tool with an argument validation step that
// runs before the function, for checks struct tags cannot express.
func NewWithValidation[Args any](cfg Config, fn Handler[Args], validate func(Args) error) (tool.Tool, error) {
	base, err := New(cfg, fn)
	if err != nil {
		return nil, err
	}
	return &validatedTool[Args]{
		functionTool: base.(*functionTool[Args]),
		validate:     validate,
	}, nil
}

type functionTool[Args any] struct {
	config Config
	fn     Handler[Args]
	schema map[string]any
}

func (t *functionTool[Args]) Name() string           { return t.config.Name }
func (t *functionTool[Args]) Description() string    { return t.config.Description }
func (t *functionTool[Args]) Schema() map[string]any { return t.schema }

func (t *functionTool[Args]) Execute(ctx context.Context, _ string, args map[string]any, _ tool.UpdateFunc) (tool.Result, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return tool.Result{}, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typedArgs)
}

type validatedTool[Args any] struct {
	*functionTool[Args]
	validate func(Args) error
}

func (t *validatedTool[Args]) Execute(ctx context.Context, _ string, args map[string]any, _ tool.UpdateFunc) (tool.Result, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return tool.Result{}, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	if err := t.validate(typedArgs); err != nil {
		return tool.Result{}, err
	}
	return t.fn(ctx, typedArgs)
}

// mapToStruct decodes an argument map into the typed struct through a
// JSON round trip, so numeric coercion matches what the provider sent.
func mapToStruct(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	return json.Unmarshal(data, target)
}

var (
	_ tool.Tool = (*functionTool[struct{}])(nil)
	_ tool.Tool = (*validatedTool[struct{}])(nil)
)

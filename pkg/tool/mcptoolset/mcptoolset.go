// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcptoolset adapts tools exposed by an MCP (Model Context
// Protocol) server into the local registry.
//
// Transports:
//   - stdio: subprocess via the mcp-go client
//   - streamable-http: JSON-RPC over HTTP with retry/backoff
//
// The connection is lazy: nothing is spawned or dialed until Tools() is
// first called.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/sidekick/pkg/httpclient"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

const protocolVersion = "2024-11-05"

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset in logs and errors.
	Name string

	// Transport is "stdio" or "streamable-http".
	Transport string

	// Command and Args spawn the server for stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the server endpoint for HTTP transport.
	URL string

	// Filter limits which tool names are exposed. Empty means all.
	Filter []string

	// MaxRetries for HTTP requests (default 3).
	MaxRetries int
}

// Toolset holds a lazy MCP connection and the tools discovered on it.
type Toolset struct {
	cfg Config

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	tools      []tool.Tool
	connected  bool
}

// New creates an MCP toolset.
func New(cfg Config) (*Toolset, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("toolset name is required")
	}
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
	case "streamable-http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Toolset{cfg: cfg}, nil
}

// Tools connects on first use and returns the adapted tool list.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		var err error
		if t.cfg.Transport == "stdio" {
			err = t.connectStdio(ctx)
		} else {
			err = t.connectHTTP(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("mcp toolset %s: %w", t.cfg.Name, err)
		}
		t.connected = true
	}
	return t.tools, nil
}

// Close shuts the underlying connection down.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdio != nil {
		return t.stdio.Close()
	}
	return nil
}

func (t *Toolset) allowed(name string) bool {
	if len(t.cfg.Filter) == 0 {
		return true
	}
	for _, f := range t.cfg.Filter {
		if f == name {
			return true
		}
	}
	return false
}

func (t *Toolset) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to start mcp server: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sidekick", Version: "1.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize mcp connection: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to list mcp tools: %w", err)
	}

	t.stdio = mcpClient
	for _, mt := range listResp.Tools {
		if !t.allowed(mt.Name) {
			continue
		}
		t.tools = append(t.tools, &stdioTool{
			client:      mcpClient,
			name:        mt.Name,
			description: mt.Description,
			schema:      schemaToMap(mt.InputSchema),
		})
	}
	return nil
}

func schemaToMap(s mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// stdioTool proxies one MCP tool over the stdio client.
type stdioTool struct {
	client      *client.Client
	name        string
	description string
	schema      map[string]any
}

func (t *stdioTool) Name() string           { return t.name }
func (t *stdioTool) Description() string    { return t.description }
func (t *stdioTool) Schema() map[string]any { return t.schema }

func (t *stdioTool) Execute(ctx context.Context, _ string, args map[string]any, _ tool.UpdateFunc) (tool.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := t.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return tool.Result{}, ctx.Err()
		}
		return tool.ErrorResult(fmt.Sprintf("mcp call failed: %v", err)), nil
	}

	var parts []string
	for _, c := range resp.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	text, _ := tool.Truncate(strings.Join(parts, "\n"))
	if resp.IsError {
		return tool.ErrorResult(text), nil
	}
	return tool.TextResult(text), nil
}

var _ tool.Tool = (*stdioTool)(nil)

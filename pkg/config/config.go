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

// Package config loads and validates the process configuration from an
// optional YAML file plus environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the full process configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	SessionDir string `koanf:"session_dir"`
	// Resume opens the most recent session on startup.
	Resume bool `koanf:"resume"`

	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`

	SystemPrompt     string `koanf:"system_prompt"`
	WorkingDirectory string `koanf:"working_directory"`

	Agent      AgentConfig       `koanf:"agent"`
	Extensions ExtensionsConfig  `koanf:"extensions"`
	MCPServers []MCPServerConfig `koanf:"mcp_servers"`
	Log        LogConfig         `koanf:"log"`
}

// AgentConfig tunes the turn scheduler.
type AgentConfig struct {
	AutoCompact      bool `koanf:"auto_compact"`
	AutoRetry        bool `koanf:"auto_retry"`
	MaxRetries       int  `koanf:"max_retries"`
	ReserveTokens    int  `koanf:"reserve_tokens"`
	KeepRecentTokens int  `koanf:"keep_recent_tokens"`
}

// ExtensionsConfig points at the directory of extension plugins.
type ExtensionsConfig struct {
	Dir string `koanf:"dir"`
}

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	Name      string            `koanf:"name"`
	Transport string            `koanf:"transport"`
	Command   string            `koanf:"command"`
	Args      []string          `koanf:"args"`
	Env       map[string]string `koanf:"env"`
	URL       string            `koanf:"url"`
	Filter    []string          `koanf:"filter"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	home, _ := os.UserHomeDir()
	return map[string]any{
		"host":              "127.0.0.1",
		"port":              19000,
		"session_dir":       filepath.Join(home, ".sidekick", "sessions"),
		"resume":            false,
		"provider":          "anthropic",
		"model":             "claude-sonnet-4-5",
		"working_directory": ".",
		"agent": map[string]any{
			"auto_compact":       true,
			"auto_retry":         true,
			"max_retries":        3,
			"reserve_tokens":     16384,
			"keep_recent_tokens": 20000,
		},
		"log": map[string]any{
			"level":  "info",
			"format": "simple",
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.SessionDir == "" {
		return fmt.Errorf("session_dir is required")
	}
	for i, m := range c.MCPServers {
		switch m.Transport {
		case "", "stdio":
			if m.Command == "" {
				return fmt.Errorf("mcp_servers[%d]: command is required for stdio transport", i)
			}
		case "streamable-http":
			if m.URL == "" {
				return fmt.Errorf("mcp_servers[%d]: url is required for streamable-http transport", i)
			}
		default:
			return fmt.Errorf("mcp_servers[%d]: unknown transport %q", i, m.Transport)
		}
	}
	return nil
}

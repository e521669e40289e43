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

// Package pluginhost loads extension executables and exposes their event
// handlers across the process boundary via hashicorp/go-plugin (net/rpc).
//
// An extension directory holds the executable plus an extension.yaml
// manifest naming it and listing the events it subscribes to.
package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	yaml "gopkg.in/yaml.v3"

	"github.com/kadirpekel/sidekick/pkg/extension"
)

// Manifest describes one extension directory.
type Manifest struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Binary  string   `yaml:"binary"`
	Events  []string `yaml:"events"`
}

const manifestName = "extension.yaml"

// handshake guards against launching an arbitrary executable as a plugin.
var handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SIDEKICK_EXTENSION",
	MagicCookieValue: "b61d6c1f",
}

// Host loads and owns plugin processes.
type Host struct {
	logger  hclog.Logger
	clients []*plugin.Client
}

// NewHost creates a host whose plugin logs flow into slog.
func NewHost() *Host {
	return &Host{
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "sidekick-extension",
			Level:  hclog.Info,
			Output: slogWriter{},
		}),
	}
}

// Discover scans dir for subdirectories carrying an extension.yaml.
func Discover(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), manifestName)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			slog.Warn("skipping invalid extension manifest", "path", path, "error", err)
			continue
		}
		if m.Name == "" || m.Binary == "" {
			slog.Warn("skipping incomplete extension manifest", "path", path)
			continue
		}
		if !filepath.IsAbs(m.Binary) {
			m.Binary = filepath.Join(dir, e.Name(), m.Binary)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Load starts the plugin process and adapts it into an Extension whose
// handlers proxy events over RPC.
func (h *Host) Load(ctx context.Context, m Manifest) (*extension.Extension, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  handshake,
		Plugins:          map[string]plugin.Plugin{pluginKey: &handlerPlugin{}},
		Cmd:              exec.Command(m.Binary),
		Logger:           h.logger,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to extension %s: %w", m.Name, err)
	}

	raw, err := rpcClient.Dispense(pluginKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense extension %s: %w", m.Name, err)
	}

	handler, ok := raw.(EventHandler)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("extension %s does not implement the handler interface", m.Name)
	}

	h.clients = append(h.clients, client)

	ext := &extension.Extension{Name: m.Name}
	for _, event := range m.Events {
		eventType := extension.EventType(event)
		ext.Handlers = append(ext.Handlers, extension.Handler{
			Extension: m.Name,
			Event:     eventType,
			Fn: func(ctx context.Context, e extension.Event) (*extension.Decision, error) {
				return handler.HandleEvent(wireEvent(e))
			},
		})
	}
	return ext, nil
}

// Shutdown kills every plugin process.
func (h *Host) Shutdown() {
	for _, c := range h.clients {
		c.Kill()
	}
	h.clients = nil
}

// slogWriter routes hclog output lines into slog.
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	slog.Debug("extension plugin", "output", string(p))
	return len(p), nil
}

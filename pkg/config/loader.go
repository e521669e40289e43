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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoaderOptions configure config loading.
type LoaderOptions struct {
	// Path to the YAML config file; empty means defaults + env only.
	Path string

	Watch bool

	// OnChange receives the re-loaded config after a file change. A
	// returned error keeps the previous config active.
	OnChange func(*Config) error
}

// Loader layers defaults, the optional YAML file, and environment
// overrides.
type Loader struct {
	options LoaderOptions
	koanf   *koanf.Koanf

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader builds a loader; call Load to produce a Config.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{options: opts, koanf: koanf.New(".")}
}

// Load reads and merges all layers, validating the result.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if l.options.Path != "" {
		if _, err := os.Stat(l.options.Path); err == nil {
			if err := k.Load(file.Provider(l.options.Path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", l.options.Path, err)
			}
		} else {
			slog.Debug("config file not found, using defaults", "path", l.options.Path)
		}
	}

	if err := k.Load(confmap.Provider(envOverrides(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.koanf = k
	return &cfg, nil
}

// envOverrides maps SIDEKICK_* variables onto config keys.
func envOverrides() map[string]any {
	out := map[string]any{}
	if v := os.Getenv("SIDEKICK_HOST"); v != "" {
		out["host"] = v
	}
	if v := os.Getenv("SIDEKICK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			out["port"] = port
		} else {
			slog.Warn("ignoring non-numeric SIDEKICK_PORT", "value", v)
		}
	}
	if v := os.Getenv("SIDEKICK_SESSION_DIR"); v != "" {
		out["session_dir"] = v
	}
	if v := os.Getenv("SIDEKICK_PROVIDER"); v != "" {
		out["provider"] = v
	}
	if v := os.Getenv("SIDEKICK_MODEL"); v != "" {
		out["model"] = v
	}
	if v := os.Getenv("SIDEKICK_API_KEY"); v != "" {
		out["api_key"] = v
	}
	return out
}

// Watch starts watching the config file, re-loading on write events.
// No-op when the loader has no file or Watch was not requested.
func (l *Loader) Watch() error {
	if !l.options.Watch || l.options.Path == "" || l.options.OnChange == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// watch the directory: editors often replace the file on save
	if err := watcher.Add(filepath.Dir(l.options.Path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		target := filepath.Clean(l.options.Path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					slog.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				if err := l.options.OnChange(cfg); err != nil {
					slog.Warn("config change rejected", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop shuts the watcher down.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}

// LoadDotEnv loads .env from the working directory when present.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Debug("no .env file loaded", "error", err)
	}
}

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

// Package filetool provides the built-in file access tools: read, write,
// edit and ls. All paths are relative to the configured working directory
// and may not escape it.
package filetool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

// Config applies to all file tools.
type Config struct {
	// WorkingDirectory anchors every relative path. Defaults to ".".
	WorkingDirectory string
	// MaxFileSize caps reads. Defaults to 10MB.
	MaxFileSize int64
}

func (c *Config) normalize() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "."
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
}

// All returns every file tool in a stable order.
func All(cfg Config) ([]tool.Tool, error) {
	cfg.normalize()

	var tools []tool.Tool
	for _, build := range []func(Config) (tool.Tool, error){NewRead, NewWrite, NewEdit, NewLs} {
		t, err := build(cfg)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// resolvePath validates a relative path and resolves it against the
// working directory.
func resolvePath(workingDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed, use relative paths")
	}

	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory traversal not allowed (..)")
	}

	absWorkDir, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory: %w", err)
	}

	absPath := filepath.Join(absWorkDir, cleaned)
	if absPath != absWorkDir && !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory")
	}

	return absPath, nil
}

func readLimited(path string, maxSize int64) (string, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxSize {
		return "", nil, fmt.Errorf("file too large: %d bytes (max: %d)", info.Size(), maxSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return string(content), info, nil
}

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

// Package searchtool provides the built-in grep and find tools.
package searchtool

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

// Config applies to both search tools.
type Config struct {
	WorkingDirectory string
	MaxFileSize      int64
	MaxResults       int
}

func (c *Config) normalize() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "."
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	if c.MaxResults == 0 {
		c.MaxResults = 1000
	}
}

// All returns the search tools.
func All(cfg Config) ([]tool.Tool, error) {
	cfg.normalize()

	grep, err := NewGrep(cfg)
	if err != nil {
		return nil, err
	}
	find, err := NewFind(cfg)
	if err != nil {
		return nil, err
	}
	return []tool.Tool{grep, find}, nil
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

// walkFiles visits regular files under root, skipping VCS and dependency
// directories and hidden entries.
func walkFiles(root string, visit func(path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return visit(path, info)
	})
}

// isBinary sniffs the first bytes for NUL.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func resolveSearchRoot(workingDir, path string) (string, error) {
	if path == "" {
		path = "."
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
		return "", err
	}
	full := filepath.Join(absWorkDir, cleaned)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("path does not exist: %s", path)
	}
	return full, nil
}

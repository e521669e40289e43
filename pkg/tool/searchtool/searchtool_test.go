package searchtool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

func seedTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "util.go"), []byte("package sub\n// helper func\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("func is not go here\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("func hidden\n"), 0o644))
	return dir
}

func run(t *testing.T, tl tool.Tool, args map[string]any) tool.Result {
	t.Helper()
	result, err := tl.Execute(context.Background(), "call-1", args, nil)
	require.NoError(t, err)
	return result
}

func TestGrepFindsMatchesWithLineNumbers(t *testing.T) {
	dir := seedTree(t)
	grep, err := NewGrep(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, grep, map[string]any{"pattern": "func"})
	require.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "main.go:3:func main() {}")
	assert.Contains(t, text, filepath.Join("sub", "util.go")+":2:")
	// .git is skipped
	assert.NotContains(t, text, "hidden")
}

func TestGrepFilePatternAndCase(t *testing.T) {
	dir := seedTree(t)
	grep, err := NewGrep(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, grep, map[string]any{"pattern": "FUNC", "case_insensitive": true, "file_pattern": "*.go"})
	text := result.Content[0].Text
	assert.Contains(t, text, "main.go")
	assert.NotContains(t, text, "notes.txt")
}

func TestGrepInvalidRegex(t *testing.T) {
	grep, err := NewGrep(Config{WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	result, err := grep.Execute(context.Background(), "c1", map[string]any{"pattern": "["}, nil)
	if err != nil {
		assert.Contains(t, err.Error(), "invalid regex")
		return
	}
	assert.True(t, result.IsError)
}

func TestGrepNoMatches(t *testing.T) {
	dir := seedTree(t)
	grep, err := NewGrep(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, grep, map[string]any{"pattern": "zzzznotthere"})
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "No matches")
}

func TestFindByNameGlob(t *testing.T) {
	dir := seedTree(t)
	find, err := NewFind(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, find, map[string]any{"pattern": "*.go"})
	require.False(t, result.IsError)
	text := result.Content[0].Text
	assert.Contains(t, text, "main.go")
	assert.Contains(t, text, filepath.Join("sub", "util.go"))
	assert.NotContains(t, text, "notes.txt")
}

func TestFindByPathGlob(t *testing.T) {
	dir := seedTree(t)
	find, err := NewFind(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, find, map[string]any{"pattern": "sub/*"})
	text := result.Content[0].Text
	assert.Contains(t, text, filepath.Join("sub", "util.go"))
	assert.NotContains(t, text, "main.go")
}

package filetool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

func run(t *testing.T, tl tool.Tool, args map[string]any) tool.Result {
	t.Helper()
	result, err := tl.Execute(context.Background(), "call-1", args, nil)
	require.NoError(t, err)
	return result
}

func TestReadWithLineNumbersAndRange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))

	read, err := NewRead(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, read, map[string]any{"path": "a.txt"})
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "1| one")
	assert.Contains(t, result.Content[0].Text, "3| three")

	result = run(t, read, map[string]any{"path": "a.txt", "start_line": 2, "end_line": 2})
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "2| two")
	assert.NotContains(t, result.Content[0].Text, "one")
}

func TestReadRejectsEscapingPaths(t *testing.T) {
	read, err := NewRead(Config{WorkingDirectory: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"/etc/passwd", "../secrets.txt", "a/../../b"} {
		result := run(t, read, map[string]any{"path": path})
		assert.True(t, result.IsError, "path %q should be rejected", path)
	}
}

func TestWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	write, err := NewWrite(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, write, map[string]any{"path": "nested/deep/file.txt", "content": "hello"})
	require.False(t, result.IsError)

	data, err := os.ReadFile(filepath.Join(dir, "nested", "deep", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestEditUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "code.go")
	require.NoError(t, os.WriteFile(path, []byte("foo bar foo"), 0o644))

	edit, err := NewEdit(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	// ambiguous match fails
	result := run(t, edit, map[string]any{"path": "code.go", "old_string": "foo", "new_string": "baz"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "replace_all")

	// replace_all succeeds
	result = run(t, edit, map[string]any{"path": "code.go", "old_string": "foo", "new_string": "baz", "replace_all": true})
	require.False(t, result.IsError)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "baz bar baz", string(data))

	// missing old_string fails
	result = run(t, edit, map[string]any{"path": "code.go", "old_string": "nothere", "new_string": "x"})
	assert.True(t, result.IsError)
}

func TestLsOrdersDirsFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afile"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o644))

	ls, err := NewLs(Config{WorkingDirectory: dir})
	require.NoError(t, err)

	result := run(t, ls, map[string]any{})
	require.False(t, result.IsError)
	assert.Equal(t, "zdir/\nafile", result.Content[0].Text)

	result = run(t, ls, map[string]any{"show_hidden": true})
	assert.Contains(t, result.Content[0].Text, ".hidden")
}

func TestAllReturnsFourTools(t *testing.T) {
	tools, err := All(Config{WorkingDirectory: t.TempDir()})
	require.NoError(t, err)
	names := make([]string, 0)
	for _, tl := range tools {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"read", "write", "edit", "ls"}, names)
}

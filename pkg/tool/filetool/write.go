package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// WriteArgs defines the parameters for writing a file.
type WriteArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write (relative to working directory)"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// NewWrite creates the write tool. Parent directories are created as
// needed; an existing file is replaced.
func NewWrite(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.New(
		functiontool.Config{
			Name:        "write",
			Description: "Write content to a file, creating it (and parent directories) if missing or replacing it entirely.",
		},
		func(ctx context.Context, args WriteArgs) (tool.Result, error) {
			fullPath, err := resolvePath(cfg.WorkingDirectory, args.Path)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to create directories: %v", err)), nil
			}
			if err := os.WriteFile(fullPath, []byte(args.Content), 0o644); err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
			}

			lines := strings.Count(args.Content, "\n") + 1
			result := tool.TextResult(fmt.Sprintf("Wrote %d bytes (%d lines) to %s", len(args.Content), lines, args.Path))
			result.Details = map[string]any{"path": args.Path, "bytes": len(args.Content)}
			return result, nil
		},
	)
}

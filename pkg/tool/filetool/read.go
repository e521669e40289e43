package filetool

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// ReadArgs defines the parameters for reading a file.
type ReadArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path to read (relative to working directory)"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=Starting line number (1-indexed),minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Ending line number (inclusive),minimum=1"`
}

// NewRead creates the read tool.
func NewRead(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.New(
		functiontool.Config{
			Name:        "read",
			Description: "Read the contents of a file with line numbers, optionally restricted to a line range.",
		},
		func(ctx context.Context, args ReadArgs) (tool.Result, error) {
			fullPath, err := resolvePath(cfg.WorkingDirectory, args.Path)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			content, info, err := readLimited(fullPath, cfg.MaxFileSize)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			lines := strings.Split(content, "\n")
			total := len(lines)

			start := 1
			if args.StartLine > 0 {
				start = args.StartLine
				if start > total {
					return tool.ErrorResult(fmt.Sprintf("start_line (%d) exceeds file length (%d lines)", start, total)), nil
				}
			}
			end := total
			if args.EndLine > 0 && args.EndLine < end {
				end = args.EndLine
			}
			if start > end {
				return tool.ErrorResult(fmt.Sprintf("invalid range: start_line (%d) > end_line (%d)", start, end)), nil
			}

			var out strings.Builder
			for i := start - 1; i < end; i++ {
				fmt.Fprintf(&out, "%6d| %s\n", i+1, lines[i])
			}

			text, truncated := tool.Truncate(out.String())
			result := tool.TextResult(text)
			result.Details = map[string]any{
				"path":      args.Path,
				"lines":     total,
				"size":      info.Size(),
				"truncated": truncated,
			}
			return result, nil
		},
	)
}

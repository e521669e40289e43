package filetool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// LsArgs defines the parameters for listing a directory.
type LsArgs struct {
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to list (relative to working directory; defaults to the working directory)"`
	ShowHidden bool   `json:"show_hidden,omitempty" jsonschema:"description=Include dotfiles,default=false"`
}

// NewLs creates the ls tool. Directories are listed first, each suffixed
// with a slash.
func NewLs(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.New(
		functiontool.Config{
			Name:        "ls",
			Description: "List the entries of a directory. Directories come first and end with a slash.",
		},
		func(ctx context.Context, args LsArgs) (tool.Result, error) {
			path := args.Path
			if path == "" {
				path = "."
			}
			fullPath, err := resolvePath(cfg.WorkingDirectory, path)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			entries, err := os.ReadDir(fullPath)
			if err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to list directory: %v", err)), nil
			}

			var dirs, files []string
			for _, e := range entries {
				name := e.Name()
				if !args.ShowHidden && strings.HasPrefix(name, ".") {
					continue
				}
				if e.IsDir() {
					dirs = append(dirs, name+"/")
				} else {
					files = append(files, name)
				}
			}
			sort.Strings(dirs)
			sort.Strings(files)

			names := append(dirs, files...)
			if len(names) == 0 {
				return tool.TextResult("(empty directory)"), nil
			}

			text, _ := tool.Truncate(strings.Join(names, "\n"))
			result := tool.TextResult(text)
			result.Details = map[string]any{"path": path, "entries": len(names)}
			return result, nil
		},
	)
}

package searchtool

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// FindArgs defines the parameters for locating files by name.
type FindArgs struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Glob matched against file names (e.g. '*.go') or against the relative path when it contains a slash"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search (relative to working directory),default=."`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum paths to return,default=100,minimum=1,maximum=1000"`
}

// NewFind creates the find tool.
func NewFind(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.NewWithValidation(
		functiontool.Config{
			Name:        "find",
			Description: "Find files by name glob. Returns relative paths, one per line.",
		},
		func(ctx context.Context, args FindArgs) (tool.Result, error) {
			return findImpl(ctx, cfg, args)
		},
		func(args FindArgs) error {
			if _, err := filepath.Match(args.Pattern, "probe"); err != nil {
				return fmt.Errorf("invalid glob pattern: %w", err)
			}
			return nil
		},
	)
}

func findImpl(ctx context.Context, cfg Config, args FindArgs) (tool.Result, error) {
	maxResults := 100
	if args.MaxResults > 0 {
		maxResults = args.MaxResults
	}
	if maxResults > cfg.MaxResults {
		maxResults = cfg.MaxResults
	}

	root, err := resolveSearchRoot(cfg.WorkingDirectory, args.Path)
	if err != nil {
		return tool.ErrorResult(err.Error()), nil
	}

	matchPath := strings.ContainsRune(args.Pattern, '/')

	var found []string
	err = walkFiles(root, func(path string, _ fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(found) >= maxResults {
			return filepath.SkipAll
		}

		rel, _ := filepath.Rel(root, path)
		target := filepath.Base(path)
		if matchPath {
			target = rel
		}
		if ok, _ := filepath.Match(args.Pattern, target); ok {
			found = append(found, rel)
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return tool.Result{}, ctx.Err()
	}

	if len(found) == 0 {
		return tool.TextResult(fmt.Sprintf("No files matching %q", args.Pattern)), nil
	}

	text, _ := tool.Truncate(strings.Join(found, "\n"))
	result := tool.TextResult(text)
	result.Details = map[string]any{"matches": len(found)}
	return result, nil
}

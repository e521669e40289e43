package searchtool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// GrepArgs defines the parameters for searching file contents.
type GrepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"required,description=Regular expression to search for (Go regex syntax)"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search (relative to working directory),default=."`
	FilePattern     string `json:"file_pattern,omitempty" jsonschema:"description=Glob to filter file names (e.g. '*.go')"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Case-insensitive search,default=false"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matches to return,default=100,minimum=1,maximum=1000"`
}

// NewGrep creates the grep tool.
func NewGrep(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.NewWithValidation(
		functiontool.Config{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns path:line:text matches.",
		},
		func(ctx context.Context, args GrepArgs) (tool.Result, error) {
			return grepImpl(ctx, cfg, args)
		},
		func(args GrepArgs) error {
			pattern := args.Pattern
			if args.CaseInsensitive {
				pattern = "(?i)" + pattern
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid regex pattern: %w", err)
			}
			return nil
		},
	)
}

func grepImpl(ctx context.Context, cfg Config, args GrepArgs) (tool.Result, error) {
	pattern := args.Pattern
	if args.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	regex := regexp.MustCompile(pattern)

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

	var matches []string
	filesSearched := 0

	err = walkFiles(root, func(path string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if args.FilePattern != "" {
			if ok, _ := filepath.Match(args.FilePattern, filepath.Base(path)); !ok {
				return nil
			}
		}
		if info.Size() > cfg.MaxFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}
		filesSearched++

		rel, _ := filepath.Rel(root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if regex.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, line))
				if len(matches) >= maxResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return tool.Result{}, ctx.Err()
	}

	if len(matches) == 0 {
		return tool.TextResult(fmt.Sprintf("No matches for %q (%d files searched)", args.Pattern, filesSearched)), nil
	}

	text, truncated := tool.Truncate(strings.Join(matches, "\n"))
	result := tool.TextResult(text)
	result.Details = map[string]any{
		"matches":   len(matches),
		"files":     filesSearched,
		"truncated": truncated,
	}
	return result, nil
}

// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filetool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/tool"
	"github.com/kadirpekel/sidekick/pkg/tool/functiontool"
)

// EditArgs defines the parameters for an exact text replacement.
type EditArgs struct {
	Path       string `json:"path" jsonschema:"required,description=File path to edit (relative to working directory)"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to find (must be unique unless replace_all=true)"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace all occurrences,default=false"`
}

// NewEdit creates the edit tool. old_string must match exactly once
// unless replace_all is set.
func NewEdit(cfg Config) (tool.Tool, error) {
	cfg.normalize()

	return functiontool.New(
		functiontool.Config{
			Name:        "edit",
			Description: "Replace exact text in a file. Preserves formatting and indentation. Requires a unique match unless replace_all=true.",
		},
		func(ctx context.Context, args EditArgs) (tool.Result, error) {
			fullPath, err := resolvePath(cfg.WorkingDirectory, args.Path)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			content, info, err := readLimited(fullPath, cfg.MaxFileSize)
			if err != nil {
				return tool.ErrorResult(err.Error()), nil
			}

			count := strings.Count(content, args.OldString)
			if count == 0 {
				return tool.ErrorResult(fmt.Sprintf("old_string not found in %s", args.Path)), nil
			}
			if !args.ReplaceAll && count > 1 {
				return tool.ErrorResult(fmt.Sprintf("old_string appears %d times - must be unique or use replace_all=true", count)), nil
			}

			replaced := 1
			var updated string
			if args.ReplaceAll {
				updated = strings.ReplaceAll(content, args.OldString, args.NewString)
				replaced = count
			} else {
				updated = strings.Replace(content, args.OldString, args.NewString, 1)
			}

			if err := os.WriteFile(fullPath, []byte(updated), info.Mode().Perm()); err != nil {
				return tool.ErrorResult(fmt.Sprintf("failed to write file: %v", err)), nil
			}

			result := tool.TextResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, args.Path))
			result.Details = map[string]any{"path": args.Path, "replacements": replaced}
			return result, nil
		},
	)
}

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

// Package commandtool provides the built-in bash tool. Commands run in
// their own process group so cancellation kills the whole pipeline, not
// just the shell.
package commandtool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kadirpekel/sidekick/pkg/tool"
)

// Config defines the bash tool behavior.
type Config struct {
	// WorkingDirectory is where commands run. Defaults to ".".
	WorkingDirectory string
	// DefaultTimeout bounds a command when the args give none.
	DefaultTimeout time.Duration
}

// BashTool runs shell commands with streamed combined output.
type BashTool struct {
	cfg Config
}

// New creates the bash tool.
func New(cfg Config) *BashTool {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	return &BashTool{cfg: cfg}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute a bash command in the working directory. Stdout and stderr are interleaved; output is truncated past the shared limits."
}

func (t *BashTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The bash command to execute",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Kill the command after this many seconds",
				"minimum":     1,
			},
		},
		"required": []any{"command"},
	}
}

// Execute runs the command, streaming incremental combined output through
// onUpdate. Cancelling ctx kills the process group.
func (t *BashTool) Execute(ctx context.Context, _ string, args map[string]any, onUpdate tool.UpdateFunc) (tool.Result, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return tool.ErrorResult("command is required"), nil
	}

	timeout := t.cfg.DefaultTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = t.cfg.WorkingDirectory
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return tool.ErrorResult(fmt.Sprintf("failed to start command: %v", err)), nil
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return tool.ErrorResult(fmt.Sprintf("failed to start command: %v", err)), nil
	}

	// Negative pid targets the process group.
	killed := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-killed:
		}
	}()

	var output strings.Builder
	buf := make([]byte, 8192)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			output.Write(buf[:n])
			if onUpdate != nil {
				partial, _ := tool.Truncate(output.String())
				onUpdate(tool.TextResult(partial))
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				fmt.Fprintf(&output, "\n[read error: %v]", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()
	close(killed)

	if ctx.Err() != nil {
		return tool.Result{}, ctx.Err()
	}

	text, truncated := tool.Truncate(output.String())
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			text += fmt.Sprintf("\n[command timed out after %s]", timeout)
		} else {
			text += fmt.Sprintf("\n[exit code %d]", exitCode)
		}
	}

	result := tool.Result{
		Content: tool.TextResult(text).Content,
		Details: map[string]any{"exitCode": exitCode, "truncated": truncated},
		IsError: waitErr != nil,
	}
	return result, nil
}

var _ tool.Tool = (*BashTool)(nil)

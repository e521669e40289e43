package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// ErrBashBusy means a session-level bash command is already running.
var ErrBashBusy = errors.New("a bash command is already running")

// RunBash executes a shell command outside any turn through the bash
// tool and appends the outcome as a custom entry. One command at a time.
func (a *Agent) RunBash(ctx context.Context, command string) (tool.Result, error) {
	bash, ok := a.registry.Get("bash")
	if !ok {
		return tool.Result{}, fmt.Errorf("bash tool is not registered")
	}

	a.mu.Lock()
	if a.cancelBash != nil {
		a.mu.Unlock()
		return tool.Result{}, ErrBashBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelBash = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.cancelBash = nil
		a.mu.Unlock()
	}()

	result, err := bash.Execute(runCtx, protocol.NewID(), map[string]any{"command": command}, nil)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			result = tool.ErrorResult("command aborted")
		} else {
			return tool.Result{}, err
		}
	}

	_, appendErr := a.sess.Append(protocol.Entry{
		Type: protocol.EntryTypeCustom,
		Custom: &protocol.CustomEntry{
			CustomType: "bash",
			Data: map[string]any{
				"command": command,
				"isError": result.IsError,
			},
			Content: protocol.Text(result.Content),
		},
	})
	if appendErr != nil {
		return result, appendErr
	}
	return result, nil
}

// AbortBash cancels the running session-level bash command, if any.
func (a *Agent) AbortBash() bool {
	a.mu.Lock()
	cancel := a.cancelBash
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

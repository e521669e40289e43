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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/sidekick/pkg/agent"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/protocol"
)

// rpcTimeout bounds one command dispatch.
const rpcTimeout = 5 * time.Minute

// Command is one RPC request: a type discriminator, an optional
// correlation id, and the remaining fields as parameters.
type Command struct {
	ID     string
	Type   string
	Params map[string]any
}

// UnmarshalJSON splits id/type off from the parameter fields.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if id, ok := raw["id"].(string); ok {
		c.ID = id
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return fmt.Errorf("missing type field")
	}
	c.Type = t
	delete(raw, "id")
	delete(raw, "type")
	c.Params = raw
	return nil
}

// Response is the uniform RPC reply shape.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(cmd Command, data any) Response {
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: true, Data: data}
}

func fail(cmd Command, err error) Response {
	return Response{ID: cmd.ID, Type: "response", Command: cmd.Type, Success: false, Error: err.Error()}
}

func decodeParams(cmd Command, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cmd.Params); err != nil {
		return fmt.Errorf("invalid parameters for %s: %w", cmd.Type, err)
	}
	return nil
}

// Dispatch executes one command against the active agent. Asynchronous
// commands (prompt and friends) return success as soon as the input is
// accepted; their outcome arrives on the event plane.
func (s *Server) Dispatch(ctx context.Context, cmd Command) Response {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	resp := s.dispatch(ctx, cmd)

	outcome := "ok"
	if !resp.Success {
		outcome = "error"
	}
	s.metrics.RPCCommands.WithLabelValues(cmd.Type, outcome).Inc()
	return resp
}

func (s *Server) dispatch(ctx context.Context, cmd Command) Response {
	a := s.Agent()
	switch cmd.Type {

	case "prompt":
		var p struct {
			Message           string                 `json:"message"`
			StreamingBehavior string                 `json:"streamingBehavior"`
			Images            []protocol.ImageSource `json:"images"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		opts := agent.PromptOptions{Images: p.Images}
		if p.StreamingBehavior != "" {
			opts.Behavior = agent.Behavior(p.StreamingBehavior)
		}
		if err := a.Prompt(p.Message, opts); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case "steer":
		var p struct {
			Message string `json:"message"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		if err := a.Steer(p.Message); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case "follow_up":
		var p struct {
			Message string `json:"message"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		if err := a.FollowUp(p.Message); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, nil)

	case "abort":
		a.Abort()
		a.Wait()
		return ok(cmd, nil)

	case "new_session":
		return s.handleNewSession(cmd)

	case "get_state":
		return ok(cmd, s.stateSnapshot(a))

	case "get_messages":
		branch, err := a.Session().Materialize(a.Session().LeafID())
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"messages": branch})

	case "get_session_stats":
		stats, err := a.Stats()
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, stats)

	case "set_model":
		var p struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		provider, err := llms.NewProvider(p.Provider, p.Model, "")
		if err != nil {
			return fail(cmd, err)
		}
		if err := a.SetProvider(provider); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{
			"provider":      provider.Name(),
			"model":         provider.ModelID(),
			"contextWindow": provider.ContextWindow(),
		})

	case "cycle_model":
		current := a.Provider()
		next := llms.NextModel(current.Name(), current.ModelID())
		provider, err := llms.NewProvider(next.Provider, next.ID, "")
		if err != nil {
			return fail(cmd, err)
		}
		if err := a.SetProvider(provider); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, next)

	case "get_available_models":
		return ok(cmd, map[string]any{"models": llms.Models()})

	case "set_thinking_level":
		var p struct {
			Level string `json:"level"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		if err := a.SetThinkingLevel(llms.ThinkingLevel(p.Level)); err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"level": p.Level})

	case "cycle_thinking_level":
		level, err := a.CycleThinkingLevel()
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"level": string(level)})

	case "set_steering_mode":
		return s.handleBehaviorToggle(cmd, a, agent.BehaviorSteer, agent.BehaviorFollowUp)

	case "set_follow_up_mode":
		return s.handleBehaviorToggle(cmd, a, agent.BehaviorFollowUp, agent.BehaviorSteer)

	case "compact":
		var p struct {
			Instructions string `json:"instructions"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		entry, err := a.Compact(ctx, p.Instructions)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, entry)

	case "set_auto_compaction":
		var p struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		a.SetAutoCompact(p.Enabled)
		return ok(cmd, nil)

	case "set_auto_retry":
		var p struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		a.SetAutoRetry(p.Enabled)
		return ok(cmd, nil)

	case "abort_retry":
		a.AbortRetry()
		return ok(cmd, nil)

	case "bash":
		var p struct {
			Command string `json:"command"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		result, err := a.RunBash(ctx, p.Command)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{
			"output":  protocol.Text(result.Content),
			"isError": result.IsError,
		})

	case "abort_bash":
		return ok(cmd, map[string]any{"aborted": a.AbortBash()})

	case "switch_session":
		return s.handleSwitchSession(ctx, cmd)

	case "fork":
		return s.handleFork(ctx, cmd)

	case "get_fork_messages":
		var p struct {
			EntryID string `json:"entryId"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		branch, err := a.Session().Branch(p.EntryID)
		if err != nil {
			return fail(cmd, err)
		}
		return ok(cmd, map[string]any{"messages": branch})

	case "get_last_assistant_text":
		branch, err := a.Session().ActiveBranch()
		if err != nil {
			return fail(cmd, err)
		}
		for i := len(branch) - 1; i >= 0; i-- {
			e := branch[i]
			if e.Type == protocol.EntryTypeMessage && e.Message.Role == protocol.RoleAssistant {
				return ok(cmd, map[string]any{"text": protocol.Text(e.Message.Content)})
			}
		}
		return ok(cmd, map[string]any{"text": ""})

	case "export_html":
		var p struct {
			Path string `json:"path"`
		}
		if err := decodeParams(cmd, &p); err != nil {
			return fail(cmd, err)
		}
		html, err := s.exportHTML(a.Session())
		if err != nil {
			return fail(cmd, err)
		}
		if p.Path != "" {
			if err := os.WriteFile(p.Path, []byte(html), 0o644); err != nil {
				return fail(cmd, err)
			}
			return ok(cmd, map[string]any{"path": p.Path})
		}
		return ok(cmd, map[string]any{"html": html})

	default:
		return fail(cmd, fmt.Errorf("unknown command type: %s", cmd.Type))
	}
}

// stateSnapshot is the get_state payload.
func (s *Server) stateSnapshot(a *agent.Agent) map[string]any {
	provider := a.Provider()
	return map[string]any{
		"sessionId":     a.Session().ID(),
		"state":         string(a.State()),
		"isStreaming":   a.IsStreaming(),
		"provider":      provider.Name(),
		"model":         provider.ModelID(),
		"thinkingLevel": string(a.ThinkingLevel()),
	}
}

func (s *Server) handleBehaviorToggle(cmd Command, a *agent.Agent, on, off agent.Behavior) Response {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeParams(cmd, &p); err != nil {
		return fail(cmd, err)
	}
	behavior := off
	if p.Enabled {
		behavior = on
	}
	if err := a.SetBehavior(behavior); err != nil {
		return fail(cmd, err)
	}
	return ok(cmd, map[string]any{"behavior": string(behavior)})
}

func (s *Server) handleNewSession(cmd Command) Response {
	a := s.Agent()
	if a.IsStreaming() {
		return fail(cmd, fmt.Errorf("cannot create a session while a turn is running"))
	}
	sess, err := s.manager.Create()
	if err != nil {
		return fail(cmd, err)
	}
	s.swapSession(sess)
	return ok(cmd, map[string]any{"sessionId": sess.ID()})
}

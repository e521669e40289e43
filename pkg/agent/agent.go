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

// Package agent implements the per-session turn scheduler: a single
// goroutine drives the prompt/stream/tool loop, auto-compaction, retry
// with backoff, and abort, emitting every lifecycle event in order.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/session"
	"github.com/kadirpekel/sidekick/pkg/tokens"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// State is the scheduler state.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateStreaming       State = "streaming"
	StateToolExecuting   State = "tool_executing"
	StateOverflowCompact State = "overflow_compact"
)

// Behavior controls what a prompt does while a turn is already running.
type Behavior string

const (
	// BehaviorSteer interrupts the stream after the current tool and
	// restarts with the new message.
	BehaviorSteer Behavior = "steer"
	// BehaviorFollowUp starts a new turn after the current one ends.
	BehaviorFollowUp Behavior = "followUp"
	// BehaviorNextTurn queues silently until the next manual prompt.
	BehaviorNextTurn Behavior = "nextTurn"
)

// Config tunes the scheduler.
type Config struct {
	SystemPrompt string

	MaxRetries int
	BaseDelay  time.Duration

	// ReserveTokens is headroom kept free below the context window.
	ReserveTokens int
	// KeepRecentTokens is the tail preserved verbatim by compaction.
	KeepRecentTokens int

	AutoCompact bool
	AutoRetry   bool
}

func (c *Config) normalize() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.ReserveTokens == 0 {
		c.ReserveTokens = 16384
	}
	if c.KeepRecentTokens == 0 {
		c.KeepRecentTokens = 20000
	}
}

type queuedMessage struct {
	text   string
	images []protocol.ImageSource
}

// Agent schedules turns for one session. Scheduler state is guarded by
// the mutex; the turn itself runs on a single goroutine.
type Agent struct {
	cfg      Config
	sess     *session.Session
	registry *tool.Registry
	bus      *extension.Bus
	emit     EmitFunc

	mu           sync.Mutex
	state        State
	provider     llms.Provider
	counter      *tokens.Counter
	thinking     llms.ThinkingLevel
	behavior     Behavior
	steer        []queuedMessage
	followUp     []queuedMessage
	nextTurn     []queuedMessage
	aborted      bool
	steering     bool
	cancelTurn   context.CancelFunc
	cancelStream context.CancelFunc
	cancelRetry  context.CancelFunc
	cancelBash   context.CancelFunc
	autoCompact  bool
	autoRetry    bool

	turnWG sync.WaitGroup
}

// New creates an idle scheduler. emit receives every event and must not
// block.
func New(sess *session.Session, provider llms.Provider, registry *tool.Registry, bus *extension.Bus, emit EmitFunc, cfg Config) *Agent {
	cfg.normalize()
	counter, _ := tokens.NewCounter(provider.ModelID())
	if emit == nil {
		emit = func(Event) {}
	}
	if bus == nil {
		bus = extension.NewBus()
	}
	return &Agent{
		cfg:         cfg,
		sess:        sess,
		registry:    registry,
		bus:         bus,
		emit:        emit,
		state:       StateIdle,
		provider:    provider,
		counter:     counter,
		thinking:    llms.ThinkingOff,
		behavior:    BehaviorSteer,
		autoCompact: cfg.AutoCompact,
		autoRetry:   cfg.AutoRetry,
	}
}

// Session returns the underlying session.
func (a *Agent) Session() *session.Session { return a.sess }

// State returns the current scheduler state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsStreaming reports whether a turn is active.
func (a *Agent) IsStreaming() bool {
	return a.State() != StateIdle
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	ev := event(EventStateChange)
	ev.State = s
	a.emit(ev)
}

// PromptOptions modify one prompt call.
type PromptOptions struct {
	// Behavior overrides the default mid-turn behavior.
	Behavior Behavior
	Images   []protocol.ImageSource
}

// Prompt submits user input. When idle it starts a turn; otherwise the
// message is queued per the effective behavior.
func (a *Agent) Prompt(text string, opts PromptOptions) error {
	msg := queuedMessage{text: text, images: opts.Images}

	a.mu.Lock()
	if a.state != StateIdle {
		behavior := a.behavior
		if opts.Behavior != "" {
			behavior = opts.Behavior
		}
		switch behavior {
		case BehaviorSteer:
			a.steer = append(a.steer, msg)
			a.steering = true
			if a.cancelStream != nil {
				a.cancelStream()
			}
		case BehaviorFollowUp:
			a.followUp = append(a.followUp, msg)
		case BehaviorNextTurn:
			a.nextTurn = append(a.nextTurn, msg)
		default:
			a.mu.Unlock()
			return fmt.Errorf("unknown streaming behavior: %s", behavior)
		}
		a.mu.Unlock()
		return nil
	}

	// idle: pull any messages parked for the next manual prompt
	initial := append(a.nextTurn, msg)
	a.nextTurn = nil
	a.aborted = false
	a.steering = false
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelTurn = cancel
	a.state = StatePreparing
	a.turnWG.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.turnWG.Done()
		a.run(ctx, initial)
	}()
	return nil
}

// Steer is Prompt with steer behavior.
func (a *Agent) Steer(text string) error {
	return a.Prompt(text, PromptOptions{Behavior: BehaviorSteer})
}

// FollowUp is Prompt with follow-up behavior.
func (a *Agent) FollowUp(text string) error {
	return a.Prompt(text, PromptOptions{Behavior: BehaviorFollowUp})
}

// Abort cancels the running turn. The partial assistant message is kept;
// queued steer messages are dropped.
func (a *Agent) Abort() {
	a.mu.Lock()
	a.aborted = true
	a.steer = nil
	a.steering = false
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbortRetry cancels a pending retry backoff.
func (a *Agent) AbortRetry() {
	a.mu.Lock()
	cancel := a.cancelRetry
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the active turn, if any, finishes.
func (a *Agent) Wait() {
	a.turnWG.Wait()
}

// SetBehavior sets the default mid-turn prompt behavior.
func (a *Agent) SetBehavior(b Behavior) error {
	switch b {
	case BehaviorSteer, BehaviorFollowUp, BehaviorNextTurn:
	default:
		return fmt.Errorf("unknown streaming behavior: %s", b)
	}
	a.mu.Lock()
	a.behavior = b
	a.mu.Unlock()
	return nil
}

// SetAutoCompact toggles threshold and overflow compaction.
func (a *Agent) SetAutoCompact(on bool) {
	a.mu.Lock()
	a.autoCompact = on
	a.mu.Unlock()
}

// SetAutoRetry toggles transient-error retry.
func (a *Agent) SetAutoRetry(on bool) {
	a.mu.Lock()
	a.autoRetry = on
	a.mu.Unlock()
}

// Provider returns the active provider.
func (a *Agent) Provider() llms.Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.provider
}

// SetProvider switches the model, appending a model-change entry so
// branch navigation can restore it.
func (a *Agent) SetProvider(p llms.Provider) error {
	if _, err := a.sess.Append(protocol.Entry{
		Type:        protocol.EntryTypeModelChange,
		ModelChange: &protocol.ModelChangeEntry{Provider: p.Name(), ModelID: p.ModelID()},
	}); err != nil {
		return err
	}
	counter, _ := tokens.NewCounter(p.ModelID())
	a.mu.Lock()
	a.provider = p
	a.counter = counter
	a.mu.Unlock()
	return nil
}

// ThinkingLevel returns the requested reasoning depth.
func (a *Agent) ThinkingLevel() llms.ThinkingLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thinking
}

// SetThinkingLevel records the new level in the session log.
func (a *Agent) SetThinkingLevel(level llms.ThinkingLevel) error {
	switch level {
	case llms.ThinkingOff, llms.ThinkingLow, llms.ThinkingMedium, llms.ThinkingHigh:
	default:
		return fmt.Errorf("unknown thinking level: %s", level)
	}
	if _, err := a.sess.Append(protocol.Entry{
		Type:          protocol.EntryTypeThinkingLevel,
		ThinkingLevel: &protocol.ThinkingLevelEntry{Level: string(level)},
	}); err != nil {
		return err
	}
	a.mu.Lock()
	a.thinking = level
	a.mu.Unlock()
	return nil
}

// Stats summarizes the active branch for the control plane.
type Stats struct {
	SessionID     string `json:"sessionId"`
	Entries       int    `json:"entries"`
	BranchLength  int    `json:"branchLength"`
	UsedTokens    int    `json:"usedTokens"`
	ContextWindow int    `json:"contextWindow"`
	Model         string `json:"model"`
	Provider      string `json:"provider"`
}

// Stats returns token usage and branch shape for the active branch.
func (a *Agent) Stats() (Stats, error) {
	branch, err := a.sess.Materialize(a.sess.LeafID())
	if err != nil {
		return Stats{}, err
	}
	a.mu.Lock()
	counter := a.counter
	provider := a.provider
	a.mu.Unlock()

	return Stats{
		SessionID:     a.sess.ID(),
		Entries:       a.sess.Len(),
		BranchLength:  len(branch),
		UsedTokens:    counter.CountBranch(branch),
		ContextWindow: provider.ContextWindow(),
		Model:         provider.ModelID(),
		Provider:      provider.Name(),
	}, nil
}

// CycleThinkingLevel advances to the next level, wrapping.
func (a *Agent) CycleThinkingLevel() (llms.ThinkingLevel, error) {
	order := []llms.ThinkingLevel{llms.ThinkingOff, llms.ThinkingLow, llms.ThinkingMedium, llms.ThinkingHigh}
	current := a.ThinkingLevel()
	next := order[0]
	for i, l := range order {
		if l == current {
			next = order[(i+1)%len(order)]
			break
		}
	}
	return next, a.SetThinkingLevel(next)
}

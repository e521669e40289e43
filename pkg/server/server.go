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

// Package server is the headless control plane: the RPC command
// dispatcher, the SSE event fan-out, and the HTTP and stdio surfaces
// that carry them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/sidekick/pkg/agent"
	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/observability"
	"github.com/kadirpekel/sidekick/pkg/session"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// Options configure the server.
type Options struct {
	Host string
	Port int

	SessionDir string
	// Resume opens the most recent session instead of creating one.
	Resume bool

	Provider llms.Provider

	SystemPrompt string
	AgentConfig  agent.Config

	Registry *tool.Registry
	Bus      *extension.Bus

	Version string

	// HeartbeatInterval overrides the 30s SSE keepalive cadence.
	HeartbeatInterval time.Duration
}

// Server owns the session manager, the active agent, and the event
// plane. The active agent is swapped on new_session / switch_session /
// fork; everything else lives for the process.
type Server struct {
	opts        Options
	manager     *session.Manager
	registry    *tool.Registry
	bus         *extension.Bus
	bridge      *extension.UIBridge
	broadcaster *Broadcaster
	metrics     *observability.Metrics

	mu    sync.Mutex
	agent *agent.Agent
	ready bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New opens the session directory, resumes or creates a session, and
// wires the event plane. The HTTP or stdio surface is started
// separately.
func New(opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 19000
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = extension.NewBus()
	}

	manager, err := session.NewManager(opts.SessionDir)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	s := &Server{
		opts:       opts,
		manager:    manager,
		registry:   opts.Registry,
		bus:        opts.Bus,
		metrics:    metrics,
		shutdownCh: make(chan struct{}),
	}
	s.broadcaster = NewBroadcaster(opts.HeartbeatInterval, func(delta int) {
		metrics.SSESubscribers.Add(float64(delta))
	})
	s.bridge = extension.NewUIBridge(func(req extension.UIRequest) {
		s.broadcaster.Publish(SSEUIRequest, req)
	})
	s.bus.OnError = func(ext string, event extension.EventType, err error) {
		s.broadcaster.Publish(SSEExtensionError, map[string]any{
			"extension": ext,
			"event":     string(event),
			"error":     err.Error(),
		})
	}

	var sess *session.Session
	if opts.Resume {
		sess, err = manager.MostRecent()
	}
	if sess == nil {
		sess, err = manager.Create()
	}
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	s.agent = s.newAgent(sess, opts.Provider)
	s.ready = true
	return s, nil
}

// newAgent wraps a session in a scheduler sharing the process-wide
// registry, bus, and event sink.
func (s *Server) newAgent(sess *session.Session, provider llms.Provider) *agent.Agent {
	cfg := s.opts.AgentConfig
	cfg.SystemPrompt = s.opts.SystemPrompt
	return agent.New(sess, provider, s.registry, s.bus, s.handleEvent, cfg)
}

// handleEvent records metrics and broadcasts every scheduler event.
func (s *Server) handleEvent(e agent.Event) {
	switch e.Type {
	case agent.EventTurnStart:
		s.metrics.TurnsStarted.Inc()
	case agent.EventTurnEnd:
		if e.Error != "" {
			s.metrics.TurnErrors.Inc()
		}
	case agent.EventToolExecutionStart:
		if e.ToolCall != nil {
			s.metrics.ToolExecutions.WithLabelValues(e.ToolCall.Name).Inc()
		}
	case agent.EventMessageEnd:
		if e.Usage != nil {
			s.metrics.TokensUsed.Add(float64(e.Usage.Total()))
		}
	case agent.EventCompactionEnd:
		if e.Error == "" {
			s.metrics.Compactions.Inc()
		}
	}
	s.metrics.EventsEmitted.Inc()
	s.broadcaster.Publish(SSEAgentEvent, e)
}

// Agent returns the active scheduler.
func (s *Server) Agent() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Bridge returns the extension UI bridge.
func (s *Server) Bridge() *extension.UIBridge { return s.bridge }

// Broadcaster returns the event fan-out.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// swapSession replaces the active agent with one wrapping sess. The
// previous turn must have been awaited by the caller. The provider
// recorded on the new session's branch is restored when it resolves;
// otherwise the current provider carries over.
func (s *Server) swapSession(sess *session.Session) *agent.Agent {
	s.mu.Lock()
	current := s.agent
	s.mu.Unlock()

	provider := current.Provider()
	if provName, model := sess.EffectiveModel(); provName != "" && model != "" {
		if restored, err := llms.NewProvider(provName, model, ""); err == nil {
			provider = restored
		} else {
			slog.Warn("could not restore session model, keeping current", "provider", provName, "model", model, "error", err)
		}
	}

	next := s.newAgent(sess, provider)
	s.mu.Lock()
	old := s.agent
	s.agent = next
	s.mu.Unlock()

	s.manager.Touch(sess)
	if old.Session() != sess {
		_ = old.Session().Close()
	}
	return next
}

// Shutdown stops the event plane and closes the session store. Safe to
// call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.mu.Lock()
		s.ready = false
		a := s.agent
		s.mu.Unlock()

		a.Abort()
		a.Wait()
		s.bridge.Shutdown()
		s.bus.Fire(context.Background(), extension.Event{Type: extension.EventSessionShutdown})
		s.broadcaster.Close()
		_ = a.Session().Close()
		if err := s.manager.Close(); err != nil {
			slog.Warn("failed to close session manager", "error", err)
		}
	})
}

// Done is closed once shutdown begins.
func (s *Server) Done() <-chan struct{} { return s.shutdownCh }

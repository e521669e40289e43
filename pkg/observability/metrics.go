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

// Package observability exposes process metrics over prometheus.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments recorded by the control plane and the
// scheduler.
type Metrics struct {
	registry *prometheus.Registry

	RPCCommands    *prometheus.CounterVec
	EventsEmitted  prometheus.Counter
	SSESubscribers prometheus.Gauge
	TurnsStarted   prometheus.Counter
	TurnErrors     prometheus.Counter
	ToolExecutions *prometheus.CounterVec
	TokensUsed     prometheus.Counter
	Compactions    prometheus.Counter
}

// NewMetrics builds a self-contained registry with all instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		RPCCommands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_rpc_commands_total",
			Help: "RPC commands dispatched, by command and outcome.",
		}, []string{"command", "outcome"}),
		EventsEmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sidekick_events_emitted_total",
			Help: "Scheduler events broadcast to subscribers.",
		}),
		SSESubscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sidekick_sse_subscribers",
			Help: "Currently attached SSE subscribers.",
		}),
		TurnsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sidekick_turns_started_total",
			Help: "Agent turns started.",
		}),
		TurnErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sidekick_turn_errors_total",
			Help: "Agent turns that ended with an error.",
		}),
		ToolExecutions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sidekick_tool_executions_total",
			Help: "Tool executions, by tool name.",
		}, []string{"tool"}),
		TokensUsed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sidekick_tokens_used_total",
			Help: "Tokens reported by provider usage payloads.",
		}),
		Compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sidekick_compactions_total",
			Help: "Compaction entries written.",
		}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

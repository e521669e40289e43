// Package llms contains the LLM provider adapters. Each adapter speaks its
// provider's wire protocol over raw net/http and exposes the same streaming
// interface to the scheduler.
package llms

import (
	"context"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

// ThinkingLevel selects how much reasoning budget to request from models
// that support it.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ToolDefinition describes one tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one streaming completion call. Messages is the materialized
// active branch; the adapter translates it to the provider's wire shape.
type Request struct {
	Messages      []protocol.Entry
	SystemPrompt  string
	Tools         []ToolDefinition
	MaxTokens     int
	ThinkingLevel ThinkingLevel
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall  ChunkType = "tool_call"
	ChunkDone      ChunkType = "done"
	ChunkError     ChunkType = "error"
)

// StreamChunk is one unit of streamed output. Tool calls are delivered
// whole, after their argument JSON has fully accumulated.
type StreamChunk struct {
	Type       ChunkType
	Text       string
	Reasoning  string
	ToolCall   *protocol.ToolCall
	Usage      *protocol.Usage
	StopReason string
	Err        error
}

// Provider is a streaming LLM backend. The returned channel is closed after
// the terminal chunk (done or error); cancelling ctx tears the stream down.
type Provider interface {
	Name() string
	ModelID() string
	ContextWindow() int
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

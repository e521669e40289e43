package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

func openAISSE(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}
}

func TestOpenAIStreamText(t *testing.T) {
	srv := httptest.NewServer(openAISSE(
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
	))
	defer srv.Close()

	p, err := NewOpenAIProvider("test-key", "gpt-4o", WithOpenAIHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{
		Messages: []protocol.Entry{{
			Type:    protocol.EntryTypeMessage,
			Message: &protocol.MessageEntry{Role: protocol.RoleUser, Content: protocol.TextContent("hi")},
		}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hi", chunks[0].Text)
	assert.Equal(t, " there", chunks[1].Text)
	require.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, "stop", chunks[2].StopReason)
	assert.Equal(t, 12, chunks[2].Usage.InputTokens)
}

func TestOpenAIStreamToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(openAISSE(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"grep","arguments":"{\"pat"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tern\":\"foo\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	))
	defer srv.Close()

	p, err := NewOpenAIProvider("test-key", "gpt-4o", WithOpenAIHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	require.Equal(t, ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_1", chunks[0].ToolCall.ID)
	assert.Equal(t, "grep", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"pattern": "foo"}, chunks[0].ToolCall.Arguments)
	assert.Equal(t, "tool_calls", chunks[1].StopReason)
}

func TestOpenAIRequestShape(t *testing.T) {
	p, err := NewOpenAIProvider("key", "o3")
	require.NoError(t, err)

	req := p.buildRequest(Request{
		SystemPrompt:  "system text",
		ThinkingLevel: ThinkingHigh,
		Tools:         []ToolDefinition{{Name: "ls", Description: "list", Parameters: map[string]any{"type": "object"}}},
		Messages: []protocol.Entry{
			{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
				Role: protocol.RoleToolResult, ToolCallID: "c1", Content: protocol.TextContent("out"),
			}},
		},
	})

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "tool", req.Messages[1].Role)
	assert.Equal(t, "c1", req.Messages[1].ToolCallID)
	assert.Equal(t, "high", req.ReasoningEffort)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
}

func TestRegistryWindowsAndCycling(t *testing.T) {
	assert.Equal(t, 200000, contextWindowFor("anthropic", "claude-sonnet-4-5"))
	assert.Equal(t, 200000, contextWindowFor("anthropic", "some-future-model"))

	next := NextModel("anthropic", "claude-opus-4-1")
	assert.Equal(t, "claude-sonnet-4-5", next.ID)

	// wraps around at the end of the catalog
	last := knownModels[len(knownModels)-1]
	wrapped := NextModel(last.Provider, last.ID)
	assert.Equal(t, knownModels[0].ID, wrapped.ID)
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider("nope", "model", "key")
	assert.Error(t, err)
}

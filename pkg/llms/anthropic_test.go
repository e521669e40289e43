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

func anthropicSSE(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
		}
	}
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestAnthropicStreamTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(anthropicSSE(
		`{"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", "claude-sonnet-4-5", WithAnthropicHost(srv.URL))
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
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "Hello", chunks[0].Text)
	assert.Equal(t, " world", chunks[1].Text)
	require.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, "end_turn", chunks[2].StopReason)
	assert.Equal(t, 10, chunks[2].Usage.InputTokens)
	assert.Equal(t, 5, chunks[2].Usage.OutputTokens)
}

func TestAnthropicStreamToolCall(t *testing.T) {
	srv := httptest.NewServer(anthropicSSE(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc1","name":"read"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", "claude-sonnet-4-5", WithAnthropicHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	require.Equal(t, ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "tc1", chunks[0].ToolCall.ID)
	assert.Equal(t, "read", chunks[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, chunks[0].ToolCall.Arguments)
	assert.Equal(t, "tool_use", chunks[1].StopReason)
}

func TestAnthropicStreamReasoningDelta(t *testing.T) {
	srv := httptest.NewServer(anthropicSSE(
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"considering..."}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", "claude-sonnet-4-5", WithAnthropicHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{ThinkingLevel: ThinkingHigh})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkReasoning, chunks[0].Type)
	assert.Equal(t, "considering...", chunks[0].Reasoning)
}

func TestAnthropicClassifiesOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"prompt is too long: 210000 tokens"}}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("test-key", "claude-sonnet-4-5", WithAnthropicHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	require.Equal(t, ChunkError, chunks[0].Type)
	assert.Equal(t, ErrContextOverflow, Classify(chunks[0].Err))
}

func TestAnthropicClassifiesAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider("bad-key", "claude-sonnet-4-5", WithAnthropicHost(srv.URL))
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, ErrAuth, Classify(chunks[0].Err))
}

func TestAnthropicRequestShape(t *testing.T) {
	p, err := NewAnthropicProvider("key", "claude-sonnet-4-5")
	require.NoError(t, err)

	toolResult := protocol.Entry{
		Type: protocol.EntryTypeMessage,
		Message: &protocol.MessageEntry{
			Role:       protocol.RoleToolResult,
			ToolCallID: "tc1",
			ToolName:   "bash",
			Content:    protocol.TextContent("ok"),
		},
	}
	req := p.buildRequest(Request{
		SystemPrompt:  "be helpful",
		ThinkingLevel: ThinkingMedium,
		Messages: []protocol.Entry{
			{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
				Role: protocol.RoleAssistant,
				ToolCalls: []protocol.ToolCall{
					{ID: "tc1", Name: "bash", Arguments: map[string]any{"command": "ls"}},
				},
			}},
			toolResult,
		},
	})

	assert.Equal(t, "be helpful", req.System)
	require.NotNil(t, req.Thinking)
	assert.Equal(t, 8192, req.Thinking.BudgetTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "assistant", req.Messages[0].Role)
	assert.Equal(t, "tool_use", req.Messages[0].Content[0].Type)
	assert.Equal(t, "tool_result", req.Messages[1].Content[0].Type)
	assert.Equal(t, "tc1", req.Messages[1].Content[0].ToolUseID)
}

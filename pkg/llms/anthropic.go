package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/sidekick/pkg/httpclient"
	"github.com/kadirpekel/sidekick/pkg/protocol"
)

const (
	anthropicDefaultHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

type AnthropicProvider struct {
	apiKey     string
	model      string
	host       string
	maxTokens  int
	window     int
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

func WithAnthropicHost(host string) AnthropicOption {
	return func(p *AnthropicProvider) { p.host = host }
}

func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(p *AnthropicProvider) { p.maxTokens = n }
}

// NewAnthropicProvider builds a provider for one Anthropic model.
func NewAnthropicProvider(apiKey, model string, opts ...AnthropicOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Kind: ErrAuth, Message: "API key is required"}
	}
	p := &AnthropicProvider{
		apiKey:    apiKey,
		model:     model,
		host:      anthropicDefaultHost,
		maxTokens: 16384,
		window:    contextWindowFor("anthropic", model),
		httpClient: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *AnthropicProvider) Name() string       { return "anthropic" }
func (p *AnthropicProvider) ModelID() string    { return p.model }
func (p *AnthropicProvider) ContextWindow() int { return p.window }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := p.buildRequest(req)
	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildRequest(req Request) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, entry := range req.Messages {
		if msg, ok := p.convertEntry(entry); ok {
			messages = append(messages, msg)
		}
	}

	out := anthropicRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: p.maxTokens,
		Stream:    true,
		System:    req.SystemPrompt,
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropicTool, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		out.Tools = tools
	}

	switch req.ThinkingLevel {
	case ThinkingLow:
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: 2048}
	case ThinkingMedium:
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: 8192}
	case ThinkingHigh:
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: 16384}
	}

	return out
}

// convertEntry maps one session entry onto an Anthropic wire message.
// Non-message kinds other than compaction are not sent.
func (p *AnthropicProvider) convertEntry(entry protocol.Entry) (anthropicMessage, bool) {
	switch entry.Type {
	case protocol.EntryTypeCompaction:
		return anthropicMessage{
			Role: "user",
			Content: []anthropicContent{{
				Type: "text",
				Text: "Summary of the conversation so far:\n\n" + entry.Compaction.Summary,
			}},
		}, true
	case protocol.EntryTypeMessage:
	default:
		return anthropicMessage{}, false
	}

	msg := entry.Message
	switch msg.Role {
	case protocol.RoleUser, protocol.RoleSystem:
		return anthropicMessage{Role: "user", Content: convertContentParts(msg.Content)}, true

	case protocol.RoleAssistant:
		var blocks []anthropicContent
		if text := protocol.Text(msg.Content); text != "" {
			blocks = append(blocks, anthropicContent{Type: "text", Text: text})
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Arguments
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		if len(blocks) == 0 {
			return anthropicMessage{}, false
		}
		return anthropicMessage{Role: "assistant", Content: blocks}, true

	case protocol.RoleToolResult:
		return anthropicMessage{
			Role: "user",
			Content: []anthropicContent{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   protocol.Text(msg.Content),
				IsError:   msg.IsError,
			}},
		}, true
	}
	return anthropicMessage{}, false
}

func convertContentParts(parts []protocol.Content) []anthropicContent {
	out := make([]anthropicContent, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentTypeText:
			out = append(out, anthropicContent{Type: "text", Text: part.Text})
		case protocol.ContentTypeImage:
			if part.Image == nil {
				continue
			}
			src := &anthropicSource{Type: part.Image.Kind}
			if part.Image.Kind == "url" {
				src.URL = part.Image.Data
			} else {
				src.MediaType = part.Image.MediaType
				src.Data = part.Image.Data
			}
			out = append(out, anthropicContent{Type: "image", Source: src})
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicContent{Type: "text", Text: ""})
	}
	return out
}

func (p *AnthropicProvider) stream(ctx context.Context, request anthropicRequest, out chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: "anthropic", Kind: Classify(err), Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &ProviderError{
			Provider: "anthropic",
			Kind:     classifyHTTP(resp.StatusCode, string(body)),
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
		}
	}

	toolCalls := make(map[int]*protocol.ToolCall)
	toolJSONBuffers := make(map[int]string)
	var usage protocol.Usage
	var stopReason string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return &ProviderError{Provider: "anthropic", Kind: ErrFatal,
				Message: fmt.Sprintf("failed to decode stream event: %v", err)}
		}

		switch event.Type {
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return &ProviderError{Provider: "anthropic", Kind: ErrTransient, Message: msg}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &protocol.ToolCall{
					ID:        event.ContentBlock.ID,
					Name:      event.ContentBlock.Name,
					Arguments: map[string]any{},
				}
				toolJSONBuffers[event.Index] = ""
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				out <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
			case "thinking_delta":
				out <- StreamChunk{Type: ChunkReasoning, Reasoning: event.Delta.Thinking}
			case "input_json_delta":
				toolJSONBuffers[event.Index] += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, ok := toolCalls[event.Index]; ok {
				if buf := toolJSONBuffers[event.Index]; buf != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(buf), &args); err == nil {
						tc.Arguments = args
					}
				}
				out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
				delete(toolCalls, event.Index)
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}

		case "message_stop":
			out <- StreamChunk{Type: ChunkDone, Usage: &usage, StopReason: stopReason}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: "anthropic", Kind: ErrTransient,
			Message: fmt.Sprintf("stream read failed: %v", err), Err: err}
	}
	return &ProviderError{Provider: "anthropic", Kind: ErrTransient, Message: "stream ended without message_stop"}
}

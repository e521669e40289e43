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

const openAIDefaultHost = "https://api.openai.com"

type OpenAIProvider struct {
	apiKey     string
	model      string
	host       string
	maxTokens  int
	window     int
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model           string              `json:"model"`
	Messages        []openAIMessage     `json:"messages"`
	MaxTokens       int                 `json:"max_completion_tokens,omitempty"`
	Stream          bool                `json:"stream"`
	StreamOptions   *openAIStreamOpts   `json:"stream_options,omitempty"`
	Tools           []openAIToolWrapper `json:"tools,omitempty"`
	ReasoningEffort string              `json:"reasoning_effort,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIToolWrapper struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			Reasoning string           `json:"reasoning_content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIHost(host string) OpenAIOption {
	return func(p *OpenAIProvider) { p.host = host }
}

func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(p *OpenAIProvider) { p.maxTokens = n }
}

// NewOpenAIProvider builds a provider for one OpenAI model. Also works for
// OpenAI-compatible endpoints via WithOpenAIHost.
func NewOpenAIProvider(apiKey, model string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &ProviderError{Provider: "openai", Kind: ErrAuth, Message: "API key is required"}
	}
	p := &OpenAIProvider{
		apiKey:    apiKey,
		model:     model,
		host:      openAIDefaultHost,
		maxTokens: 16384,
		window:    contextWindowFor("openai", model),
		httpClient: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *OpenAIProvider) Name() string       { return "openai" }
func (p *OpenAIProvider) ModelID() string    { return p.model }
func (p *OpenAIProvider) ContextWindow() int { return p.window }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) buildRequest(req Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, entry := range req.Messages {
		messages = append(messages, p.convertEntry(entry)...)
	}

	out := openAIRequest{
		Model:         p.model,
		Messages:      messages,
		MaxTokens:     p.maxTokens,
		Stream:        true,
		StreamOptions: &openAIStreamOpts{IncludeUsage: true},
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openAIToolWrapper{Type: "function", Function: tool})
	}

	switch req.ThinkingLevel {
	case ThinkingLow, ThinkingMedium, ThinkingHigh:
		out.ReasoningEffort = string(req.ThinkingLevel)
	}

	return out
}

func (p *OpenAIProvider) convertEntry(entry protocol.Entry) []openAIMessage {
	switch entry.Type {
	case protocol.EntryTypeCompaction:
		return []openAIMessage{{
			Role:    "user",
			Content: "Summary of the conversation so far:\n\n" + entry.Compaction.Summary,
		}}
	case protocol.EntryTypeMessage:
	default:
		return nil
	}

	msg := entry.Message
	switch msg.Role {
	case protocol.RoleUser, protocol.RoleSystem:
		return []openAIMessage{{Role: "user", Content: openAIContentFrom(msg.Content)}}

	case protocol.RoleAssistant:
		out := openAIMessage{Role: "assistant"}
		if text := protocol.Text(msg.Content); text != "" {
			out.Content = text
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			out.ToolCalls = append(out.ToolCalls, call)
		}
		if out.Content == nil && len(out.ToolCalls) == 0 {
			return nil
		}
		return []openAIMessage{out}

	case protocol.RoleToolResult:
		return []openAIMessage{{
			Role:       "tool",
			ToolCallID: msg.ToolCallID,
			Content:    protocol.Text(msg.Content),
		}}
	}
	return nil
}

func openAIContentFrom(parts []protocol.Content) any {
	hasImage := false
	for _, part := range parts {
		if part.Type == protocol.ContentTypeImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return protocol.Text(parts)
	}

	out := make([]openAIContentPart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case protocol.ContentTypeText:
			out = append(out, openAIContentPart{Type: "text", Text: part.Text})
		case protocol.ContentTypeImage:
			if part.Image == nil {
				continue
			}
			url := part.Image.Data
			if part.Image.Kind == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", part.Image.MediaType, part.Image.Data)
			}
			out = append(out, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
		}
	}
	return out
}

func (p *OpenAIProvider) stream(ctx context.Context, request openAIRequest, out chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: "openai", Kind: Classify(err), Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &ProviderError{
			Provider: "openai",
			Kind:     classifyHTTP(resp.StatusCode, string(body)),
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)),
		}
	}

	// Tool call fragments accumulate per index until finish_reason arrives.
	type pending struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*pending)
	var order []int
	var usage protocol.Usage
	var stopReason string

	flushCalls := func() {
		for _, idx := range order {
			pc := calls[idx]
			tc := &protocol.ToolCall{ID: pc.id, Name: pc.name, Arguments: map[string]any{}}
			if pc.args.Len() > 0 {
				var args map[string]any
				if err := json.Unmarshal([]byte(pc.args.String()), &args); err == nil {
					tc.Arguments = args
				}
			}
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
		}
		calls = make(map[int]*pending)
		order = nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			out <- StreamChunk{Type: ChunkDone, Usage: &usage, StopReason: stopReason}
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return &ProviderError{Provider: "openai", Kind: ErrFatal,
				Message: fmt.Sprintf("failed to decode stream chunk: %v", err)}
		}
		if chunk.Error != nil {
			return &ProviderError{Provider: "openai", Kind: ErrTransient, Message: chunk.Error.Message}
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
			}
			if choice.Delta.Reasoning != "" {
				out <- StreamChunk{Type: ChunkReasoning, Reasoning: choice.Delta.Reasoning}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pending{}
					calls[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
				flushCalls()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: "openai", Kind: ErrTransient,
			Message: fmt.Sprintf("stream read failed: %v", err), Err: err}
	}
	return &ProviderError{Provider: "openai", Kind: ErrTransient, Message: "stream ended without [DONE]"}
}

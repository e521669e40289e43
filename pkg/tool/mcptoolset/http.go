package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/sidekick/pkg/httpclient"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

var rpcID atomic.Int64

func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(t.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := t.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "sidekick", "version": "1.0"},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mcp connection: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("mcp initialize error: %s", initResp.Error.Message)
	}

	// initialized is a notification; errors are non-fatal
	_, _ = t.rpc(ctx, "notifications/initialized", nil)

	listResp, err := t.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to list mcp tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("mcp tools/list error: %s", listResp.Error.Message)
	}

	var listed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &listed); err != nil {
		return fmt.Errorf("failed to decode mcp tool list: %w", err)
	}

	for _, mt := range listed.Tools {
		if !t.allowed(mt.Name) {
			continue
		}
		schema := mt.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		t.tools = append(t.tools, &httpTool{
			toolset:     t,
			name:        mt.Name,
			description: mt.Description,
			schema:      schema,
		})
	}
	return nil
}

// rpc posts one JSON-RPC request, tracking the mcp-session-id header the
// streamable-http transport hands back.
func (t *Toolset) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      rpcID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.sessionID != "" {
		req.Header.Set("mcp-session-id", t.sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if id := resp.Header.Get("mcp-session-id"); id != "" {
		t.sessionID = id
	}

	if resp.StatusCode == http.StatusAccepted {
		// notifications get 202 with no body
		return &jsonRPCResponse{JSONRPC: "2.0"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse extracts the first JSON-RPC message from an SSE body.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rpcResp jsonRPCResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rpcResp); err != nil {
			continue
		}
		return &rpcResp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no response in event stream")
}

// httpTool proxies one MCP tool over the streamable-http transport.
type httpTool struct {
	toolset     *Toolset
	name        string
	description string
	schema      map[string]any
}

func (t *httpTool) Name() string           { return t.name }
func (t *httpTool) Description() string    { return t.description }
func (t *httpTool) Schema() map[string]any { return t.schema }

func (t *httpTool) Execute(ctx context.Context, _ string, args map[string]any, _ tool.UpdateFunc) (tool.Result, error) {
	resp, err := t.toolset.rpc(ctx, "tools/call", map[string]any{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return tool.Result{}, ctx.Err()
		}
		return tool.ErrorResult(fmt.Sprintf("mcp call failed: %v", err)), nil
	}
	if resp.Error != nil {
		return tool.ErrorResult(fmt.Sprintf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)), nil
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return tool.ErrorResult(fmt.Sprintf("failed to decode mcp result: %v", err)), nil
	}

	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text, _ := tool.Truncate(strings.Join(parts, "\n"))
	if result.IsError {
		return tool.ErrorResult(text), nil
	}
	return tool.TextResult(text), nil
}

var _ tool.Tool = (*httpTool)(nil)

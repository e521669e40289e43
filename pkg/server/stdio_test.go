package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stdioHarness struct {
	in   io.WriteCloser
	out  *bufio.Scanner
	done chan error
}

func startStdio(t *testing.T, s *Server) *stdioHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &stdioHarness{
		in:   inW,
		out:  bufio.NewScanner(outR),
		done: make(chan error, 1),
	}
	h.out.Buffer(make([]byte, 64*1024), stdioMaxLine)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.done <- s.RunStdio(ctx, inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() {
		cancel()
		inW.Close()
	})
	return h
}

func (h *stdioHarness) send(t *testing.T, line string) {
	t.Helper()
	_, err := h.in.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// readUntil returns the first line whose decoded object satisfies want.
func (h *stdioHarness) readUntil(t *testing.T, want func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && h.out.Scan() {
		var obj map[string]any
		require.NoError(t, json.Unmarshal(h.out.Bytes(), &obj))
		if want(obj) {
			return obj
		}
	}
	t.Fatal("expected stdio line not seen")
	return nil
}

func isResponse(obj map[string]any) bool { return obj["type"] == "response" }

func TestStdioCommandResponse(t *testing.T) {
	s := newTestServer(t)
	h := startStdio(t, s)

	h.send(t, `{"id":"7","type":"get_state"}`)
	resp := h.readUntil(t, isResponse)
	assert.Equal(t, "7", resp["id"])
	assert.Equal(t, "get_state", resp["command"])
	assert.Equal(t, true, resp["success"])
}

func TestStdioMalformedLine(t *testing.T) {
	s := newTestServer(t)
	h := startStdio(t, s)

	h.send(t, `{broken`)
	resp := h.readUntil(t, isResponse)
	assert.Equal(t, false, resp["success"])
}

func TestStdioStreamsEvents(t *testing.T) {
	s := newTestServer(t)
	h := startStdio(t, s)

	h.send(t, `{"type":"prompt","message":"hi"}`)

	// the async prompt acks first, then events flow
	resp := h.readUntil(t, isResponse)
	assert.Equal(t, true, resp["success"])

	event := h.readUntil(t, func(obj map[string]any) bool {
		return obj["type"] == "event" && obj["event"] == SSEAgentEvent
	})
	assert.NotNil(t, event["data"])
}

func TestStdioResolvesUIResponses(t *testing.T) {
	s := newTestServer(t)
	h := startStdio(t, s)

	type result struct {
		value any
		err   error
	}
	got := make(chan result, 1)
	go func() {
		v, err := s.Bridge().Request(context.Background(), "confirm", map[string]any{"title": "go?"}, 5*time.Second)
		got <- result{v, err}
	}()

	// the request shows up on stdout with its correlation id
	req := h.readUntil(t, func(obj map[string]any) bool {
		return obj["type"] == "event" && obj["event"] == SSEUIRequest
	})
	data := req["data"].(map[string]any)
	id := data["id"].(string)
	require.NotEmpty(t, id)

	h.send(t, `{"type":"extension_ui_response","id":"`+id+`","value":true}`)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, true, r.value)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge request was not resolved")
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// stdioMaxLine bounds one stdin line, matching the HTTP body cap.
const stdioMaxLine = maxBodyBytes

// RunStdio drives the line-delimited JSON surface: commands and UI
// responses in, responses plus every event and UI request out. One JSON
// object per line. Returns when stdin closes, ctx is cancelled, or
// shutdown is requested.
func (s *Server) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	writeLine := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Warn("failed to encode stdio message", "error", err)
			return
		}
		writeMu.Lock()
		_, _ = out.Write(append(data, '\n'))
		writeMu.Unlock()
	}

	// event pump
	events, cancelEvents := s.broadcaster.Subscribe()
	defer cancelEvents()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for env := range events {
			if env.Event == SSEHeartbeat {
				continue
			}
			writeLine(map[string]any{
				"type":  "event",
				"event": env.Event,
				"data":  json.RawMessage(env.Data),
			})
		}
	}()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), stdioMaxLine)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			s.handleStdioLine(ctx, line, writeLine)
		}
	}
}

func (s *Server) handleStdioLine(ctx context.Context, line []byte, writeLine func(any)) {
	// UI responses share the stdin channel with commands
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		writeLine(Response{Type: "response", Success: false, Error: "malformed JSON: " + err.Error()})
		return
	}

	if probe.Type == "extension_ui_response" {
		var body struct {
			ID    string `json:"id"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(line, &body); err != nil {
			writeLine(Response{Type: "response", Success: false, Error: err.Error()})
			return
		}
		s.bridge.Resolve(body.ID, body.Value)
		return
	}

	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		writeLine(Response{Type: "response", Success: false, Error: err.Error()})
		return
	}
	writeLine(s.Dispatch(ctx, cmd))
}

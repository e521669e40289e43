package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, true, payload["ready"])
	assert.Equal(t, "test", payload["version"])
	assert.NotEmpty(t, payload["sessionId"])
	assert.Equal(t, false, payload["isStreaming"])
}

func TestHealthReadyCheckAfterShutdown(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	s.Shutdown()

	resp, err := http.Get(ts.URL + "/health?ready=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRPCEndpointMalformedBody(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	for _, body := range []string{"{not json", `{"id":"1"}`, `{"type":""}`} {
		resp, err := http.Post(ts.URL+"/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestRPCEndpointUnknownType(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/rpc", "application/json", strings.NewReader(`{"type":"bogus"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var r Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.False(t, r.Success)
}

func TestRPCEndpointBodyCap(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	body := `{"type":"prompt","message":"` + string(big) + `"}`
	resp, err := http.Post(ts.URL+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCEndpointDispatches(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/rpc", "application/json", strings.NewReader(`{"id":"42","type":"get_state"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var r Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.True(t, r.Success)
	assert.Equal(t, "42", r.ID)
	assert.Equal(t, "get_state", r.Command)
}

func TestUIResponseUnknownIDStill200(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/extension_ui_response", "application/json",
		strings.NewReader(`{"id":"ghost","value":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/shutdown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not initiated")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	dispatch(t, s, `{"type":"get_state"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "sidekick_rpc_commands_total")
}

// two SSE clients observe the same ordered event sequence; killing one
// does not disturb the other
func TestSSEFanOutOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	type frame struct {
		event string
		data  string
	}
	readFrames := func(resp *http.Response, out chan<- frame) {
		scanner := bufio.NewScanner(resp.Body)
		var current frame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if current.event != "" {
					out <- current
					current = frame{}
				}
			}
		}
		close(out)
	}

	open := func() (*http.Response, chan frame) {
		resp, err := http.Get(ts.URL + "/events")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ch := make(chan frame, 64)
		go readFrames(resp, ch)
		return resp, ch
	}

	resp1, ch1 := open()
	resp2, ch2 := open()
	defer resp2.Body.Close()

	// wait for both subscribers to attach before publishing
	require.Eventually(t, func() bool {
		s.broadcaster.mu.Lock()
		defer s.broadcaster.mu.Unlock()
		return len(s.broadcaster.subs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		s.Broadcaster().Publish(SSEAgentEvent, map[string]any{"seq": i})
	}

	read := func(ch chan frame, n int) []frame {
		var frames []frame
		deadline := time.After(2 * time.Second)
		for len(frames) < n {
			select {
			case f, ok := <-ch:
				if !ok {
					return frames
				}
				frames = append(frames, f)
			case <-deadline:
				return frames
			}
		}
		return frames
	}

	got1 := read(ch1, 3)
	got2 := read(ch2, 3)
	require.Len(t, got1, 3)
	assert.Equal(t, got1, got2)

	// kill the first client mid-stream
	resp1.Body.Close()

	s.Broadcaster().Publish(SSEAgentEvent, map[string]any{"seq": 3})
	later := read(ch2, 1)
	require.Len(t, later, 1)
	assert.Contains(t, later[0].data, `"seq":3`)
}

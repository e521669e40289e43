package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/session"
)

// stubProvider plays back scripted chunk sequences, one per Stream call.
type stubProvider struct {
	mu      sync.Mutex
	scripts [][]llms.StreamChunk
	calls   int
}

func (p *stubProvider) Name() string       { return "stub" }
func (p *stubProvider) ModelID() string    { return "stub-model" }
func (p *stubProvider) ContextWindow() int { return 100000 }

func (p *stubProvider) Stream(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	var chunks []llms.StreamChunk
	if p.calls < len(p.scripts) {
		chunks = p.scripts[p.calls]
	} else {
		chunks = []llms.StreamChunk{
			{Type: llms.ChunkText, Text: "stub reply"},
			{Type: llms.ChunkDone, Usage: &protocol.Usage{InputTokens: 1, OutputTokens: 1}},
		}
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan llms.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Options{
		SessionDir:        t.TempDir(),
		Provider:          &stubProvider{},
		Version:           "test",
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func dispatch(t *testing.T, s *Server, payload string) Response {
	t.Helper()
	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(payload), &cmd))
	return s.Dispatch(context.Background(), cmd)
}

func TestUnknownCommandFails(t *testing.T) {
	s := newTestServer(t)
	resp := dispatch(t, s, `{"type":"frobnicate","id":"1"}`)
	assert.False(t, resp.Success)
	assert.Equal(t, "1", resp.ID)
	assert.Contains(t, resp.Error, "unknown command type")
}

func TestCommandMissingType(t *testing.T) {
	var cmd Command
	err := json.Unmarshal([]byte(`{"id":"1","message":"hi"}`), &cmd)
	assert.ErrorContains(t, err, "missing type field")
}

func TestGetStateIdempotentUntilMutation(t *testing.T) {
	s := newTestServer(t)

	first := dispatch(t, s, `{"type":"get_state"}`)
	second := dispatch(t, s, `{"type":"get_state"}`)
	require.True(t, first.Success)
	assert.Equal(t, first.Data, second.Data)

	resp := dispatch(t, s, `{"type":"set_thinking_level","level":"high"}`)
	require.True(t, resp.Success)

	third := dispatch(t, s, `{"type":"get_state"}`)
	assert.NotEqual(t, first.Data, third.Data)
	state := third.Data.(map[string]any)
	assert.Equal(t, "high", state["thinkingLevel"])
}

func TestPromptRoundTrip(t *testing.T) {
	s := newTestServer(t)

	events, cancel := s.Broadcaster().Subscribe()
	defer cancel()

	resp := dispatch(t, s, `{"type":"prompt","message":"hi"}`)
	require.True(t, resp.Success)
	s.Agent().Wait()

	got := collect(events, 3, 2*time.Second)
	require.NotEmpty(t, got)
	for _, env := range got {
		assert.Equal(t, SSEAgentEvent, env.Event)
	}

	state := dispatch(t, s, `{"type":"get_state"}`).Data.(map[string]any)
	assert.Equal(t, false, state["isStreaming"])

	last := dispatch(t, s, `{"type":"get_last_assistant_text"}`)
	require.True(t, last.Success)
	assert.Equal(t, "stub reply", last.Data.(map[string]any)["text"])
}

func TestGetMessagesReturnsBranch(t *testing.T) {
	s := newTestServer(t)
	dispatch(t, s, `{"type":"prompt","message":"hello"}`)
	s.Agent().Wait()

	resp := dispatch(t, s, `{"type":"get_messages"}`)
	require.True(t, resp.Success)
	messages := resp.Data.(map[string]any)["messages"].([]protocol.Entry)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleUser, messages[0].Message.Role)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Message.Role)
}

func TestNewSessionSwapsAgent(t *testing.T) {
	s := newTestServer(t)
	before := s.Agent().Session().ID()

	resp := dispatch(t, s, `{"type":"new_session"}`)
	require.True(t, resp.Success)
	after := resp.Data.(map[string]any)["sessionId"].(string)
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, s.Agent().Session().ID())
}

func TestSwitchSessionUnknownIDListsSessions(t *testing.T) {
	s := newTestServer(t)
	resp := dispatch(t, s, `{"type":"switch_session","sessionId":"no-such-id"}`)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Data)
	sessions := resp.Data.(map[string]any)["sessions"].([]session.SessionInfo)
	assert.NotEmpty(t, sessions)
}

func TestSwitchSessionRoundTrip(t *testing.T) {
	s := newTestServer(t)
	first := s.Agent().Session().ID()

	require.True(t, dispatch(t, s, `{"type":"new_session"}`).Success)
	second := s.Agent().Session().ID()
	require.NotEqual(t, first, second)

	resp := dispatch(t, s, `{"type":"switch_session","sessionId":"`+first+`"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, first, s.Agent().Session().ID())
}

func TestForkIsolatesSource(t *testing.T) {
	s := newTestServer(t)
	sess := s.Agent().Session()

	var ids []string
	for _, text := range []string{"a", "b", "c", "d"} {
		id, err := sess.AppendMessage(protocol.MessageEntry{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent(text),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	sourceID := sess.ID()
	sourceLeaf := sess.LeafID()

	resp := dispatch(t, s, `{"type":"fork","entryId":"`+ids[1]+`"}`)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]any)
	forkID := data["sessionId"].(string)
	assert.NotEqual(t, sourceID, forkID)
	assert.Equal(t, ids[1], data["leafId"])

	// fork sees the prefix with identical ids
	branch, err := s.Agent().Session().ActiveBranch()
	require.NoError(t, err)
	require.Len(t, branch, 2)
	assert.Equal(t, ids[0], branch[0].ID)
	assert.Equal(t, ids[1], branch[1].ID)

	// appending to the fork does not move the source
	_, err = s.Agent().Session().AppendMessage(protocol.MessageEntry{
		Role:    protocol.RoleUser,
		Content: protocol.TextContent("fork only"),
	})
	require.NoError(t, err)

	back := dispatch(t, s, `{"type":"switch_session","sessionId":"`+sourceID+`"}`)
	require.True(t, back.Success, back.Error)
	assert.Equal(t, sourceLeaf, s.Agent().Session().LeafID())
}

func TestInSessionNavigationWithBranchSummary(t *testing.T) {
	s := newTestServer(t)
	sess := s.Agent().Session()

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		id, err := sess.AppendMessage(protocol.MessageEntry{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent(text),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	resp := dispatch(t, s, `{"type":"switch_session","leafId":"`+ids[0]+`","summary":"tried something else"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, ids[0], sess.LeafID())

	// the summary terminates the abandoned branch
	var found *protocol.BranchSummaryEntry
	var walk func(nodes []session.TreeNode)
	walk = func(nodes []session.TreeNode) {
		for _, node := range nodes {
			if node.Entry.Type == protocol.EntryTypeBranchSummary {
				found = node.Entry.BranchSummary
			}
			walk(node.Children)
		}
	}
	walk(sess.Tree())
	require.NotNil(t, found)
	assert.Equal(t, "tried something else", found.Summary)
	assert.Equal(t, ids[0], found.ToLeafID)
}

func TestGetForkMessages(t *testing.T) {
	s := newTestServer(t)
	sess := s.Agent().Session()

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		id, err := sess.AppendMessage(protocol.MessageEntry{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent(text),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	resp := dispatch(t, s, `{"type":"get_fork_messages","entryId":"`+ids[1]+`"}`)
	require.True(t, resp.Success)
	messages := resp.Data.(map[string]any)["messages"].([]protocol.Entry)
	require.Len(t, messages, 2)
	assert.Equal(t, ids[1], messages[1].ID)
}

func TestModelCommands(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "test-key")
	s := newTestServer(t)

	models := dispatch(t, s, `{"type":"get_available_models"}`)
	require.True(t, models.Success)
	list := models.Data.(map[string]any)["models"].([]llms.ModelInfo)
	assert.NotEmpty(t, list)

	cycled := dispatch(t, s, `{"type":"cycle_model"}`)
	require.True(t, cycled.Success, cycled.Error)
	next := cycled.Data.(llms.ModelInfo)
	assert.Equal(t, next.ID, s.Agent().Provider().ModelID())
}

func TestThinkingLevelCycle(t *testing.T) {
	s := newTestServer(t)

	resp := dispatch(t, s, `{"type":"cycle_thinking_level"}`)
	require.True(t, resp.Success)
	assert.Equal(t, "low", resp.Data.(map[string]any)["level"])

	bad := dispatch(t, s, `{"type":"set_thinking_level","level":"turbo"}`)
	assert.False(t, bad.Success)
}

func TestBehaviorToggles(t *testing.T) {
	s := newTestServer(t)

	resp := dispatch(t, s, `{"type":"set_follow_up_mode","enabled":true}`)
	require.True(t, resp.Success)
	assert.Equal(t, "followUp", resp.Data.(map[string]any)["behavior"])

	resp = dispatch(t, s, `{"type":"set_steering_mode","enabled":true}`)
	require.True(t, resp.Success)
	assert.Equal(t, "steer", resp.Data.(map[string]any)["behavior"])
}

func TestExportHTML(t *testing.T) {
	s := newTestServer(t)
	dispatch(t, s, `{"type":"prompt","message":"hello world"}`)
	s.Agent().Wait()

	resp := dispatch(t, s, `{"type":"export_html"}`)
	require.True(t, resp.Success, resp.Error)
	html := resp.Data.(map[string]any)["html"].(string)
	assert.Contains(t, html, "hello world")
	assert.Contains(t, html, "stub reply")
}

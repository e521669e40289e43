package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/extension"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	extDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(extDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(extDir, "extension.yaml"), []byte(content), 0o644))
}

func TestDiscoverReadsManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "guard", "name: guard\nversion: \"1.0\"\nbinary: guard-bin\nevents:\n  - tool_call\n")
	writeManifest(t, dir, "broken", ": not yaml")
	writeManifest(t, dir, "incomplete", "version: \"1.0\"\n")

	manifests, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	m := manifests[0]
	assert.Equal(t, "guard", m.Name)
	assert.Equal(t, []string{"tool_call"}, m.Events)
	// relative binary resolves against the extension directory
	assert.Equal(t, filepath.Join(dir, "guard", "guard-bin"), m.Binary)
}

func TestDiscoverMissingDir(t *testing.T) {
	manifests, err := Discover(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestWireEventRoundTrip(t *testing.T) {
	event := extension.Event{
		Type: extension.EventInput,
		Input: &extension.Input{
			Text: "hello",
		},
	}

	wire := wireEvent(event)
	assert.Equal(t, "input", wire.Type)

	var decoded extension.Event
	require.NoError(t, json.Unmarshal(wire.Payload, &decoded))
	assert.Equal(t, "hello", decoded.Input.Text)
}

func TestHandlerServerMarshalsDecisions(t *testing.T) {
	server := &handlerServer{impl: handlerFunc(func(WireEvent) (*extension.Decision, error) {
		return &extension.Decision{Block: true, Reason: "denied"}, nil
	})}

	var reply WireDecision
	require.NoError(t, server.HandleEvent(WireEvent{Type: "tool_call"}, &reply))
	require.Empty(t, reply.Err)

	var decision extension.Decision
	require.NoError(t, json.Unmarshal(reply.Decision, &decision))
	assert.True(t, decision.Block)
	assert.Equal(t, "denied", decision.Reason)
}

type handlerFunc func(WireEvent) (*extension.Decision, error)

func (f handlerFunc) HandleEvent(e WireEvent) (*extension.Decision, error) { return f(e) }

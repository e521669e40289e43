package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) (Result, error)
}

func (t *fakeTool) Name() string           { return t.name }
func (t *fakeTool) Description() string    { return "fake" }
func (t *fakeTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (t *fakeTool) Execute(ctx context.Context, _ string, args map[string]any, _ UpdateFunc) (Result, error) {
	if t.fn == nil {
		return TextResult("ok"), nil
	}
	return t.fn(ctx, args)
}

func TestRegistryOrderAndLookup(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltin(&fakeTool{name: "read"})
	r.RegisterBuiltin(&fakeTool{name: "write"})
	r.Register(&fakeTool{name: "custom"})

	names := make([]string, 0)
	for _, tl := range r.List() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"read", "write", "custom"}, names)

	_, ok := r.Get("write")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryOverrideWarnsOnce(t *testing.T) {
	r := NewRegistry()
	var overridden []string
	r.OnOverride = func(name string) { overridden = append(overridden, name) }

	r.RegisterBuiltin(&fakeTool{name: "read"})
	r.Register(&fakeTool{name: "read"})
	r.Register(&fakeTool{name: "extra"})

	assert.Equal(t, []string{"read"}, overridden)
	// the override replaced the tool, not duplicated it
	assert.Len(t, r.List(), 2)
}

func TestExecuteUnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry()
	result, err := r.Execute(context.Background(), "nope", "c1", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "unknown tool")
}

func TestExecuteErrorBecomesErrorResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "boom", fn: func(context.Context, map[string]any) (Result, error) {
		return Result{}, errors.New("disk on fire")
	}})

	result, err := r.Execute(context.Background(), "boom", "c1", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "disk on fire")
}

func TestExecuteCancellationIsError(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "slow", fn: func(ctx context.Context, _ map[string]any) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, "slow", "c1", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncatePassthrough(t *testing.T) {
	text, truncated := Truncate("short output")
	assert.False(t, truncated)
	assert.Equal(t, "short output", text)
}

func TestTruncateByLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}

	text, truncated := Truncate(b.String())
	require.True(t, truncated)
	assert.Contains(t, text, "line 0")
	assert.Contains(t, text, "line 4999")
	assert.Contains(t, text, "lines elided")
	assert.Contains(t, text, "Full output saved to:")
	assert.LessOrEqual(t, strings.Count(text, "\n"), MaxOutputLines+10)
}

func TestTruncateByBytes(t *testing.T) {
	text, truncated := Truncate(strings.Repeat("x", MaxOutputBytes*2))
	require.True(t, truncated)
	assert.Less(t, len(text), MaxOutputBytes+1024)
	assert.Contains(t, text, "output truncated")
}

package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

func TestNewCounterFallsBackForUnknownModel(t *testing.T) {
	c, err := NewCounter("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", c.Model())
	assert.Greater(t, c.Count("hello world"), 0)
}

func TestCountEntryKinds(t *testing.T) {
	c, err := NewCounter("gpt-4")
	require.NoError(t, err)

	msg := protocol.Entry{
		Type: protocol.EntryTypeMessage,
		Message: &protocol.MessageEntry{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent("count these tokens please"),
		},
	}
	assert.Greater(t, c.CountEntry(msg), perEntryOverhead)

	compaction := protocol.Entry{
		Type:       protocol.EntryTypeCompaction,
		Compaction: &protocol.CompactionEntry{Summary: "a summary"},
	}
	assert.Greater(t, c.CountEntry(compaction), 0)

	label := "x"
	labelEntry := protocol.Entry{
		Type:  protocol.EntryTypeLabelChange,
		Label: &protocol.LabelEntry{TargetEntryID: "id", Label: &label},
	}
	assert.Equal(t, 0, c.CountEntry(labelEntry))
}

func TestCountBranchPrefersReportedUsage(t *testing.T) {
	c, err := NewCounter("gpt-4")
	require.NoError(t, err)

	branch := []protocol.Entry{
		{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
			Role: protocol.RoleUser, Content: protocol.TextContent("question"),
		}},
		{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
			Role: protocol.RoleAssistant, Content: protocol.TextContent("answer"),
			Usage: &protocol.Usage{InputTokens: 900, OutputTokens: 100},
		}},
		{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
			Role: protocol.RoleUser, Content: protocol.TextContent("follow up"),
		}},
	}

	total := c.CountBranch(branch)
	tail := c.CountEntry(branch[2])
	assert.Equal(t, 1000+tail, total)
}

func TestCountBranchWithoutUsageSums(t *testing.T) {
	c, err := NewCounter("gpt-4")
	require.NoError(t, err)

	branch := []protocol.Entry{
		{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
			Role: protocol.RoleUser, Content: protocol.TextContent("one"),
		}},
		{Type: protocol.EntryTypeMessage, Message: &protocol.MessageEntry{
			Role: protocol.RoleUser, Content: protocol.TextContent("two"),
		}},
	}
	assert.Equal(t, c.CountEntry(branch[0])+c.CountEntry(branch[1]), c.CountBranch(branch))
}

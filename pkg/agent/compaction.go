package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tokens"
)

// ErrCompactionCanceled reports an extension vetoing the compaction.
var ErrCompactionCanceled = errors.New("compaction canceled by extension")

const summarizePrompt = `Summarize the conversation so far for continuation in a fresh context.
Preserve: the user's goals, decisions made, files touched and their state,
unresolved problems, and any constraints established along the way.
Be concise but complete; the summary replaces everything before the kept tail.`

// Compact runs the compaction engine manually. instructions supplement
// the summarization prompt.
func (a *Agent) Compact(ctx context.Context, instructions string) (*protocol.Entry, error) {
	ev := event(EventCompactionStart)
	a.emit(ev)
	entry, err := a.compact(ctx, instructions)
	if err != nil {
		return nil, err
	}
	done := event(EventCompactionEnd)
	done.Entry = entry
	a.emit(done)
	return entry, nil
}

// compact scans the keep boundary, summarizes the prefix, and appends a
// compaction entry. Extensions may cancel or supply the summary.
func (a *Agent) compact(ctx context.Context, instructions string) (*protocol.Entry, error) {
	branch, err := a.sess.Materialize(a.sess.LeafID())
	if err != nil {
		return nil, err
	}
	if len(branch) < 2 {
		return nil, fmt.Errorf("nothing to compact")
	}

	a.mu.Lock()
	counter := a.counter
	provider := a.provider
	a.mu.Unlock()

	tokensBefore := counter.CountBranch(branch)

	outcome := a.bus.Fire(ctx, extension.Event{
		Type: extension.EventBeforeCompact,
		Data: map[string]any{"tokensBefore": tokensBefore},
	})
	if outcome.Canceled {
		return nil, ErrCompactionCanceled
	}

	var summary, firstKeptID string
	var boundary int
	if outcome.Compaction != nil {
		summary = outcome.Compaction.Summary
		firstKeptID = outcome.Compaction.FirstKeptEntryID
		if summary == "" {
			return nil, fmt.Errorf("extension compaction summary is empty")
		}
		boundary = branchIndex(branch, firstKeptID)
		if boundary < 0 {
			return nil, fmt.Errorf("extension firstKeptEntryId %s is not on the active branch", firstKeptID)
		}
	} else {
		boundary = a.keepBoundary(branch, counter)
		if boundary <= 0 {
			return nil, fmt.Errorf("nothing to compact")
		}
		firstKeptID = branch[boundary].ID

		summary, err = a.summarize(ctx, provider, branch[:boundary], instructions)
		if err != nil {
			return nil, err
		}
	}

	tokensAfter := counter.Count(summary)
	for _, e := range branch[boundary:] {
		tokensAfter += counter.CountEntry(e)
	}

	entry := protocol.Entry{
		Type: protocol.EntryTypeCompaction,
		Compaction: &protocol.CompactionEntry{
			Summary:          summary,
			FirstKeptEntryID: firstKeptID,
			TokensBefore:     tokensBefore,
			TokensAfter:      tokensAfter,
		},
	}
	id, err := a.sess.Append(entry)
	if err != nil {
		return nil, err
	}

	appended, _ := a.sess.Entry(id)
	return &appended, nil
}

// keepBoundary walks back from the leaf accumulating tokens until
// KeepRecentTokens is reached, returning the index of the first kept
// entry.
func (a *Agent) keepBoundary(branch []protocol.Entry, counter *tokens.Counter) int {
	kept := 0
	for i := len(branch) - 1; i > 0; i-- {
		kept += counter.CountEntry(branch[i])
		if kept >= a.cfg.KeepRecentTokens {
			return i
		}
	}
	return 0
}

// summarize issues the dedicated summarization call and collects its
// text.
func (a *Agent) summarize(ctx context.Context, provider llms.Provider, prefix []protocol.Entry, instructions string) (string, error) {
	prompt := summarizePrompt
	if instructions != "" {
		prompt += "\n\nAdditional instructions:\n" + instructions
	}

	ch, err := provider.Stream(ctx, llms.Request{
		Messages:     prefix,
		SystemPrompt: prompt,
		MaxTokens:    a.cfg.ReserveTokens,
	})
	if err != nil {
		return "", err
	}

	var summary strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			summary.WriteString(chunk.Text)
		case llms.ChunkError:
			return "", chunk.Err
		}
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("summarization produced no text")
	}
	return summary.String(), nil
}

// maybeThresholdCompact compacts at turn end once usage crosses the
// window minus reserve.
func (a *Agent) maybeThresholdCompact(ctx context.Context) {
	if !a.autoCompactOn() {
		return
	}
	a.mu.Lock()
	counter := a.counter
	provider := a.provider
	a.mu.Unlock()

	branch, err := a.sess.Materialize(a.sess.LeafID())
	if err != nil {
		return
	}
	used := counter.CountBranch(branch)
	if used <= provider.ContextWindow()-a.cfg.ReserveTokens {
		return
	}

	a.emit(event(EventCompactionStart))
	entry, err := a.compact(ctx, "")
	done := event(EventCompactionEnd)
	if err != nil {
		done.Error = err.Error()
	} else {
		done.Entry = entry
	}
	a.emit(done)
}

func branchIndex(branch []protocol.Entry, id string) int {
	for i, e := range branch {
		if e.ID == id {
			return i
		}
	}
	return -1
}

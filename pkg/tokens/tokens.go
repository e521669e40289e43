// Package tokens provides token counting for session entries, used by the
// compaction boundary scan and the context-threshold check.
package tokens

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/sidekick/pkg/protocol"
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewCounter creates a counter for a model, falling back to cl100k_base
// for models tiktoken does not know (Anthropic models approximate well).
func NewCounter(model string) (*Counter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &Counter{encoding: encoding, model: model}, nil
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string { return c.model }

// Count returns the token count for raw text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// perEntryOverhead approximates the role/envelope framing each message adds.
const perEntryOverhead = 4

// CountEntry returns the approximate token cost of one session entry as
// materialized for the LLM.
func (c *Counter) CountEntry(e protocol.Entry) int {
	switch e.Type {
	case protocol.EntryTypeMessage:
		return c.countMessage(*e.Message)
	case protocol.EntryTypeCompaction:
		return perEntryOverhead + c.Count(e.Compaction.Summary)
	default:
		// non-message kinds are not sent to the LLM
		return 0
	}
}

func (c *Counter) countMessage(m protocol.MessageEntry) int {
	total := perEntryOverhead
	for _, part := range m.Content {
		switch part.Type {
		case protocol.ContentTypeText:
			total += c.Count(part.Text)
		case protocol.ContentTypeImage:
			// flat estimate, providers bill images by resolution tiers
			total += 1500
		}
	}
	if m.Reasoning != "" {
		total += c.Count(m.Reasoning)
	}
	for _, call := range m.ToolCalls {
		total += c.Count(call.Name)
		if args, err := json.Marshal(call.Arguments); err == nil {
			total += c.Count(string(args))
		}
	}
	return total
}

// CountBranch sums the token cost of a materialized branch. When the last
// assistant message on the branch carries provider usage, that figure is
// preferred as the base since it reflects real provider accounting.
func (c *Counter) CountBranch(branch []protocol.Entry) int {
	// walk backwards for the most recent reported usage
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Type != protocol.EntryTypeMessage || e.Message.Role != protocol.RoleAssistant || e.Message.Usage == nil {
			continue
		}
		total := e.Message.Usage.Total()
		for _, rest := range branch[i+1:] {
			total += c.CountEntry(rest)
		}
		return total
	}

	total := 0
	for _, e := range branch {
		total += c.CountEntry(e)
	}
	return total
}

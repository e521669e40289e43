// Package protocol defines the wire-level data model shared by the session
// log, the scheduler, and the control plane: entries, messages, content
// parts, and tool call/result shapes.
//
// Entries form a tagged union. Every entry carries the common envelope
// (type, id, parentId, timestamp) plus exactly one kind-specific payload.
// The JSON field names here are the on-disk session file format and must
// not change without a session format version bump.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// EntryType discriminates the entry union.
type EntryType string

const (
	EntryTypeMessage       EntryType = "message"
	EntryTypeCompaction    EntryType = "compaction"
	EntryTypeBranchSummary EntryType = "branchSummary"
	EntryTypeLabelChange   EntryType = "label-change"
	EntryTypeSessionInfo   EntryType = "session-info"
	EntryTypeCustom        EntryType = "custom"
	EntryTypeModelChange   EntryType = "model-change"
	EntryTypeThinkingLevel EntryType = "thinking-level"
)

// MessageRole is the role of a message entry.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "toolResult"
	RoleSystem     MessageRole = "system"
)

// Entry is one record in the session log. ParentID is nil only for the
// root entry. Exactly one payload pointer is non-nil, matching Type.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`

	Message       *MessageEntry       `json:"message,omitempty"`
	Compaction    *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryEntry `json:"branchSummary,omitempty"`
	Label         *LabelEntry         `json:"label,omitempty"`
	SessionInfo   *SessionInfoEntry   `json:"sessionInfo,omitempty"`
	Custom        *CustomEntry        `json:"custom,omitempty"`
	ModelChange   *ModelChangeEntry   `json:"modelChange,omitempty"`
	ThinkingLevel *ThinkingLevelEntry `json:"thinkingLevel,omitempty"`
}

// NewID returns a fresh entry identifier.
func NewID() string {
	return uuid.New().String()
}

// MessageEntry is a conversation message. Which fields are populated
// depends on Role:
//
//   - user/system: Content
//   - assistant: Content, Reasoning, ToolCalls, Model, Usage
//   - toolResult: Content, ToolName, ToolCallID, Details, IsError
type MessageEntry struct {
	Role      MessageRole    `json:"role"`
	Content   []Content      `json:"content,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
}

// ContentType discriminates message content parts.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// Content is one part of a message body. Text or Image is set by Type.
type Content struct {
	Type  ContentType  `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
}

// ImageSource holds image data inline or by URL.
type ImageSource struct {
	Kind      string `json:"kind"` // "base64" or "url"
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data"`
}

// TextContent builds a single-part text body.
func TextContent(text string) []Content {
	return []Content{{Type: ContentTypeText, Text: text}}
}

// ToolCall is one tool invocation emitted by the LLM inside an assistant
// message. Arguments is the decoded JSON input object.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage records provider-reported token counts for one LLM response.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// CompactionEntry replaces the branch prefix before FirstKeptEntryID with
// Summary when the branch is materialized for the LLM.
type CompactionEntry struct {
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"firstKeptEntryId"`
	TokensBefore     int    `json:"tokensBefore"`
	TokensAfter      int    `json:"tokensAfter"`
}

// BranchSummaryEntry records a summary of an abandoned branch. It is never
// sent to the LLM.
type BranchSummaryEntry struct {
	Summary    string `json:"summary"`
	FromLeafID string `json:"fromLeafId"`
	ToLeafID   string `json:"toLeafId"`
}

// LabelEntry attaches a user-facing label to an earlier entry. A nil Label
// clears any previous label on the target.
type LabelEntry struct {
	TargetEntryID string  `json:"targetEntryId"`
	Label         *string `json:"label"`
}

// SessionInfoEntry stores a human-chosen session name. The effective name
// is the last such entry on the active branch.
type SessionInfoEntry struct {
	Name string `json:"name"`
}

// CustomEntry persists opaque extension data. CustomType is owned by the
// writing extension.
type CustomEntry struct {
	CustomType string         `json:"customType"`
	Data       map[string]any `json:"data,omitempty"`
	Display    string         `json:"display,omitempty"`
	Content    string         `json:"content,omitempty"`
}

// ModelChangeEntry records a model switch. The effective model at the leaf
// is the last such entry on the active branch.
type ModelChangeEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// ThinkingLevelEntry records a change to the requested reasoning depth.
type ThinkingLevelEntry struct {
	Level string `json:"level"`
}

// ToolResultPayload is what a tool execution produces: the content handed
// back to the LLM plus opaque details for hosts and renderers.
type ToolResultPayload struct {
	Content []Content      `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the text parts of a content list.
func Text(parts []Content) string {
	var out string
	for _, p := range parts {
		if p.Type == ContentTypeText {
			out += p.Text
		}
	}
	return out
}

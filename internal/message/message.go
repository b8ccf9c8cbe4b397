// Package message defines the normalized conversation message that every
// backend produces and the store persists.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleUser      Role = "user"
)

// ProviderClaudeCode tags assistant messages produced by the Claude Code CLI.
const ProviderClaudeCode = "claude-code"

// ToolCallApproved is the status of every tool call on this path: the CLI
// runs with bypassPermissions, so nothing waits for approval.
const ToolCallApproved = "approved"

// TimeLayout is the UTC ISO-8601 form used for Message.Timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one normalized conversation turn.
type Message struct {
	Role     Role   `json:"role"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Content  string `json:"content"`

	// Assistant only. ReasoningContent is nil when the turn had no
	// thinking blocks.
	ReasoningContent *string   `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Model            string     `json:"model,omitempty"`
	Provider         string     `json:"provider,omitempty"`

	// Tool only.
	Tool       string          `json:"tool,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`

	Timestamp     string `json:"timestamp"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

// ToolCall describes one tool invocation requested by an assistant turn.
type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
	Status   string   `json:"status"`
}

// Function holds the tool name and its JSON-encoded arguments.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Reasoning returns the reasoning text, or "" when there was none.
func (m Message) Reasoning() string {
	if m.ReasoningContent == nil {
		return ""
	}
	return *m.ReasoningContent
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// Stamp sets both timestamps from t.
func (m *Message) Stamp(t time.Time) {
	t = t.UTC()
	m.Timestamp = t.Format(TimeLayout)
	m.UnixTimestamp = t.UnixMilli()
}

// ParseTime parses an ISO-8601 timestamp as found in session transcripts.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Package stream decodes the newline-delimited JSON emitted by
// `claude -p --output-format stream-json --verbose` and by Claude Code
// session transcripts.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Top-level event types.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Event is the envelope for one stream-json line. Which fields are set
// depends on Type; unknown fields are ignored.
type Event struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	UUID      string   `json:"uuid,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// Result summary fields.
	IsError      bool     `json:"is_error,omitempty"`
	Result       string   `json:"result,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	NumTurns     *int     `json:"num_turns,omitempty"`

	// Transcript fields, only present in session JSONL files.
	IsMeta       bool   `json:"isMeta,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	TranscriptID string `json:"sessionId,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
}

// Message is the nested API message of assistant and user events.
type Message struct {
	ID      string  `json:"id,omitempty"`
	Role    string  `json:"role,omitempty"`
	Model   string  `json:"model,omitempty"`
	Content Content `json:"content"`
}

// Content is either a plain string (historical user turns) or a list of
// content blocks.
type Content struct {
	Text   string
	Blocks []Block
	// IsText reports that the content was a JSON string.
	IsText bool
}

// UnmarshalJSON accepts a string, an array of blocks, or null. Any other
// shape leaves the content empty instead of failing the whole line.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Text = s
		c.IsText = true
	case '[':
		var blocks []Block
		if err := json.Unmarshal(data, &blocks); err != nil {
			return err
		}
		c.Blocks = blocks
	}
	return nil
}

// MarshalJSON writes the content back in whichever form it was read.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// HasToolResult reports whether any block is a tool_result.
func (c Content) HasToolResult() bool {
	for _, b := range c.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Block is one content block of an assistant or user turn.
type Block struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText coerces a tool_result payload to text. String payloads are
// returned as-is, structured payloads are re-serialized.
func (b Block) ResultText() string {
	raw := bytes.TrimSpace(b.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// ToolInput returns the tool_use input, defaulting to an empty object.
func (b Block) ToolInput() json.RawMessage {
	raw := bytes.TrimSpace(b.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

// Decode parses one line. Empty or malformed input yields ok == false;
// a parse failure is never reported to the caller.
func Decode(line string) (ev *Event, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return nil, false
	}
	return &e, true
}

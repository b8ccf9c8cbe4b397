// Package convert turns decoded stream events into normalized messages.
//
// A Translator owns the tool-call index for one round; a Linker owns the
// parent-link cursor. Converter bundles both for live streaming, and the
// batch helpers rebuild a whole conversation from recorded lines.
package convert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/stream"
)

// ToolUse is what the index remembers about a tool_use block.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// Translator converts assistant and tool-result events. Its tool-call
// index is append-only for the lifetime of the Translator.
type Translator struct {
	tools map[string]ToolUse

	now   func() time.Time
	newID func() string

	// sourceTime makes messages carry the event's own timestamp when it
	// has one. Only used when replaying transcripts.
	sourceTime bool
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithClock overrides the capture clock.
func WithClock(now func() time.Time) TranslatorOption {
	return func(t *Translator) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator overrides how fresh message ids are minted.
func WithIDGenerator(newID func() string) TranslatorOption {
	return func(t *Translator) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// WithSourceTime stamps messages with the event timestamp when present.
func WithSourceTime(enabled bool) TranslatorOption {
	return func(t *Translator) {
		t.sourceTime = enabled
	}
}

func NewTranslator(opts ...TranslatorOption) *Translator {
	t := &Translator{
		tools: make(map[string]ToolUse),
		now:   time.Now,
		newID: message.NewID,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lookup returns the tool_use recorded under id.
func (t *Translator) Lookup(id string) (ToolUse, bool) {
	tu, ok := t.tools[id]
	return tu, ok
}

// Tools returns the number of indexed tool calls.
func (t *Translator) Tools() int {
	return len(t.tools)
}

// Assistant converts one assistant event. Text blocks are newline-joined
// into Content, thinking blocks into ReasoningContent, and every tool_use
// block is indexed and listed in ToolCalls in block order.
func (t *Translator) Assistant(ev *stream.Event) message.Message {
	var (
		texts     []string
		thoughts  []string
		toolCalls []message.ToolCall
		model     string
	)
	if ev.Message != nil {
		model = ev.Message.Model
		for _, b := range ev.Message.Content.Blocks {
			switch b.Type {
			case stream.BlockText:
				texts = append(texts, b.Text)
			case stream.BlockThinking:
				thoughts = append(thoughts, b.Thinking)
			case stream.BlockToolUse:
				input := b.ToolInput()
				t.tools[b.ID] = ToolUse{Name: b.Name, Input: input}
				toolCalls = append(toolCalls, message.ToolCall{
					ID:   b.ID,
					Type: "function",
					Function: message.Function{
						Name:      b.Name,
						Arguments: string(input),
					},
					Status: message.ToolCallApproved,
				})
			}
		}
	}

	msg := message.Message{
		Role:      message.RoleAssistant,
		ID:        t.idFor(ev.UUID),
		Content:   strings.Join(texts, "\n"),
		ToolCalls: toolCalls,
		Model:     model,
		Provider:  message.ProviderClaudeCode,
	}
	if len(thoughts) > 0 {
		reasoning := strings.Join(thoughts, "\n")
		msg.ReasoningContent = &reasoning
	}
	t.stamp(&msg, ev)
	return msg
}

// ToolResults converts the tool_result blocks of a user event, one message
// per block. Tool name and arguments come from the index; an id that was
// never indexed leaves them empty.
func (t *Translator) ToolResults(ev *stream.Event) []message.Message {
	if ev.Message == nil {
		return nil
	}
	var msgs []message.Message
	for _, b := range ev.Message.Content.Blocks {
		if b.Type != stream.BlockToolResult {
			continue
		}
		tu := t.tools[b.ToolUseID]

		msg := message.Message{
			Role:       message.RoleTool,
			Content:    b.ResultText(),
			Tool:       tu.Name,
			Arguments:  tu.Input,
			ToolCallID: b.ToolUseID,
		}
		// Only the first result may reuse the event uuid; ids stay unique.
		if len(msgs) == 0 {
			msg.ID = t.idFor(ev.UUID)
		} else {
			msg.ID = t.newID()
		}
		t.stamp(&msg, ev)
		msgs = append(msgs, msg)
	}
	return msgs
}

// UserText converts a historical plain-text user turn. ok is false when
// the content is not a non-blank string.
func (t *Translator) UserText(ev *stream.Event) (message.Message, bool) {
	if ev.Message == nil || !ev.Message.Content.IsText {
		return message.Message{}, false
	}
	text := ev.Message.Content.Text
	if strings.TrimSpace(text) == "" {
		return message.Message{}, false
	}
	msg := message.Message{
		Role:    message.RoleUser,
		ID:      t.idFor(ev.UUID),
		Content: text,
	}
	t.stamp(&msg, ev)
	return msg, true
}

func (t *Translator) idFor(uuid string) string {
	if uuid != "" {
		return uuid
	}
	return t.newID()
}

func (t *Translator) stamp(msg *message.Message, ev *stream.Event) {
	if t.sourceTime {
		if ts, ok := message.ParseTime(ev.Timestamp); ok {
			msg.Stamp(ts)
			return
		}
	}
	msg.Stamp(t.now())
}

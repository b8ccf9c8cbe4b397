package convert

import (
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/stream"
)

// Linker chains messages into a linear history: each message's ParentID
// is the id of the message emitted before it.
type Linker struct {
	last string
}

// NewLinker seeds the cursor with the last known message id of the
// conversation, or "" for a brand-new session.
func NewLinker(lastMessageID string) *Linker {
	return &Linker{last: lastMessageID}
}

// Link sets msg.ParentID from the cursor and advances the cursor to msg.
func (l *Linker) Link(msg *message.Message) {
	msg.ParentID = l.last
	l.last = msg.ID
}

// Last returns the current cursor.
func (l *Linker) Last() string {
	return l.last
}

// Converter is the per-round state for live streaming: one tool-call
// index and one parent-link cursor. It is not safe for concurrent use.
type Converter struct {
	translator *Translator
	linker     *Linker
}

func NewConverter(lastMessageID string, opts ...TranslatorOption) *Converter {
	return &Converter{
		translator: NewTranslator(opts...),
		linker:     NewLinker(lastMessageID),
	}
}

// Event translates and links one decoded event. Only assistant turns and
// tool results produce messages; every other event type yields nothing.
func (c *Converter) Event(ev *stream.Event) []message.Message {
	var msgs []message.Message
	switch ev.Type {
	case stream.TypeAssistant:
		msgs = []message.Message{c.translator.Assistant(ev)}
	case stream.TypeUser:
		msgs = c.translator.ToolResults(ev)
	default:
		return nil
	}
	for i := range msgs {
		c.linker.Link(&msgs[i])
	}
	return msgs
}

// Line decodes and converts one raw line.
func (c *Converter) Line(line string) []message.Message {
	ev, ok := stream.Decode(line)
	if !ok {
		return nil
	}
	return c.Event(ev)
}

// LastMessageID returns the id of the most recently emitted message.
func (c *Converter) LastMessageID() string {
	return c.linker.Last()
}

// Translator exposes the round's translator, mainly for inspection.
func (c *Converter) Translator() *Translator {
	return c.translator
}

package convert

import (
	"strings"

	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/stream"
)

// History is a transcript converted for import.
type History struct {
	Messages  []message.Message
	SessionID string
	WorkDir   string
}

// ConvertStream rebuilds the messages of recorded stream-json output.
// Parent ids are chained from the first message, which has none.
func ConvertStream(lines []string, opts ...TranslatorOption) []message.Message {
	c := NewConverter("", opts...)
	var msgs []message.Message
	for _, line := range lines {
		msgs = append(msgs, c.Line(line)...)
	}
	return msgs
}

// ConvertSession converts a Claude Code session transcript (one JSONL file
// under ~/.claude/projects). Unlike live output it carries the user's own
// turns, which are kept, and bookkeeping turns, which are dropped.
func ConvertSession(lines []string, opts ...TranslatorOption) []message.Message {
	return convertTranscript(lines, opts...).Messages
}

// ConvertHistory is ConvertSession stamped with the transcript's own
// timestamps, plus the session id and working directory it recorded.
func ConvertHistory(lines []string, opts ...TranslatorOption) History {
	opts = append([]TranslatorOption{WithSourceTime(true)}, opts...)
	return convertTranscript(lines, opts...)
}

func convertTranscript(lines []string, opts ...TranslatorOption) History {
	t := NewTranslator(opts...)
	l := NewLinker("")

	var h History
	emit := func(msg message.Message) {
		l.Link(&msg)
		h.Messages = append(h.Messages, msg)
	}

	for _, line := range lines {
		ev, ok := stream.Decode(line)
		if !ok {
			continue
		}
		if h.SessionID == "" && ev.TranscriptID != "" {
			h.SessionID = ev.TranscriptID
		}
		if h.WorkDir == "" && ev.Cwd != "" {
			h.WorkDir = ev.Cwd
		}

		switch ev.Type {
		case stream.TypeAssistant:
			emit(t.Assistant(ev))
		case stream.TypeUser:
			if isBookkeeping(ev) {
				continue
			}
			if ev.Message.Content.HasToolResult() {
				for _, msg := range t.ToolResults(ev) {
					emit(msg)
				}
				continue
			}
			if msg, ok := t.UserText(ev); ok {
				emit(msg)
			}
		}
	}
	return h
}

// isBookkeeping reports user turns that are CLI metadata rather than
// something the user typed: meta turns and slash-command echoes.
func isBookkeeping(ev *stream.Event) bool {
	if ev.IsMeta || ev.Message == nil {
		return true
	}
	if ev.Message.Content.IsText {
		text := ev.Message.Content.Text
		return strings.HasPrefix(text, "<command-name>") || strings.HasPrefix(text, "<local-command")
	}
	return false
}

// Package output renders stored messages for a chat channel.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/yagent/agent-bridge/internal/message"
)

const (
	DefaultThreshold = 1500
	// argsPreview bounds the tool arguments shown inline.
	argsPreview = 200
)

type Handler struct {
	threshold int
	now       func() time.Time
}

func NewHandler(threshold int) *Handler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Handler{threshold: threshold, now: time.Now}
}

// Post is one outgoing channel message. File is set when the body was
// too long to send inline.
type Post struct {
	Text string
	File *File
}

type File struct {
	Name string
	Data []byte
}

func (h *Handler) ShouldAttach(content string) bool {
	return len(content) > h.threshold
}

// Render turns a message into a post. User messages and empty assistant
// turns render nothing.
func (h *Handler) Render(msg message.Message) (Post, bool) {
	switch msg.Role {
	case message.RoleAssistant:
		var lines []string
		if text := strings.TrimSpace(msg.Content); text != "" {
			lines = append(lines, text)
		}
		for _, tc := range msg.ToolCalls {
			lines = append(lines, fmt.Sprintf("> %s %s", tc.Function.Name, Truncate(tc.Function.Arguments, argsPreview)))
		}
		if len(lines) == 0 {
			return Post{}, false
		}
		return h.post("", strings.Join(lines, "\n"), "response", msg.ID), true

	case message.RoleTool:
		header := fmt.Sprintf("< %s", msg.Tool)
		body := strings.TrimRight(msg.Content, "\n")
		return h.post(header, body, "tool", msg.ID), true
	}
	return Post{}, false
}

func (h *Handler) post(header, body, kind, id string) Post {
	if !h.ShouldAttach(body) {
		if header == "" {
			return Post{Text: body}
		}
		if body == "" {
			return Post{Text: header}
		}
		return Post{Text: header + "\n" + body}
	}

	name, data := h.FormatFile(kind, id, body)
	text := header
	if text == "" {
		text = Truncate(body, h.threshold)
	}
	return Post{Text: text, File: &File{Name: name, Data: data}}
}

// FormatFile names an attachment after the message id, or the current
// time when the id is empty.
func (h *Handler) FormatFile(kind, id, content string) (filename string, data []byte) {
	suffix := h.now().Format("150405")
	if id != "" {
		suffix = id
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
	}
	return fmt.Sprintf("%s-%s.md", kind, suffix), []byte(content)
}

// Truncate cuts s to at most maxLen bytes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

package bridge

import (
	"fmt"
	"sync"
	"time"
)

// Merger tags prompts with their author when more than one person writes
// to the same chat within the conflict window, so the agent can tell the
// voices apart.
type Merger struct {
	mu          sync.Mutex
	lastAuthor  string
	lastTime    time.Time
	conflictWin time.Duration
	now         func() time.Time
}

func NewMerger(conflictWindow time.Duration) *Merger {
	if conflictWindow <= 0 {
		conflictWindow = 2 * time.Minute
	}
	return &Merger{
		conflictWin: conflictWindow,
		now:         time.Now,
	}
}

// FormatMessage returns content, prefixed with "[source/author]" when a
// different author wrote within the window.
func (m *Merger) FormatMessage(source, author, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	who := source + "/" + author
	now := m.now()
	conflict := m.lastAuthor != "" && m.lastAuthor != who && now.Sub(m.lastTime) < m.conflictWin

	m.lastAuthor = who
	m.lastTime = now

	if conflict {
		return fmt.Sprintf("[%s] %s", who, content)
	}
	return content
}

// Package llm runs one round of a coding-agent CLI: it starts the process
// locally, over SSH or in a remote sandbox, streams its output through the
// converter and reports how the round ended.
package llm

import (
	"context"

	"github.com/yagent/agent-bridge/internal/message"
)

type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// Result is the outcome of one round. ResultText, CostUSD and NumTurns are
// only set when the CLI emitted a result summary.
type Result struct {
	Status     Status
	SessionID  string
	ResultText string
	CostUSD    float64
	NumTurns   int
}

// Sink receives every produced message in emission order. It should persist
// the message before returning; an error aborts the round.
type Sink func(message.Message) error

// Request describes one round.
type Request struct {
	Prompt string

	// SessionID is resumed when Resume is set. Without an id a new session
	// is started either way.
	SessionID string
	Resume    bool

	// LastMessageID seeds the parent link of the first produced message.
	LastMessageID string

	// WorkDir overrides the VM's working directory.
	WorkDir string

	Model        string
	MaxTurns     int // 0 leaves the CLI default
	SystemPrompt string
	AllowedTools []string

	Sink Sink
	// Interrupted is polled while the round runs. Nil means never.
	Interrupted func() bool
}

// LLM defines the interface for agent backends
type LLM interface {
	// Run executes one round. It never returns an error: every failure
	// is reported as StatusError.
	Run(ctx context.Context, req Request) Result

	// Name returns the backend name (e.g. "claude")
	Name() string
}

package llm

import "fmt"

// New creates an LLM instance based on the backend name
func New(backend string, opts ...ClaudeOption) (LLM, error) {
	switch backend {
	case "claude", "":
		return NewClaude(opts...), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend: %s", backend)
	}
}

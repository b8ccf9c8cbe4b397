package llm

import (
	"context"
	"sync"
)

// MockLLM implements LLM for testing. Without RunFn every round completes
// with an empty result.
type MockLLM struct {
	name string

	mu       sync.Mutex
	requests []Request

	RunFn func(ctx context.Context, req Request) Result
}

func NewMockLLM(name string) *MockLLM {
	return &MockLLM{name: name}
}

func (m *MockLLM) Name() string {
	return m.name
}

func (m *MockLLM) Run(ctx context.Context, req Request) Result {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.RunFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return Result{Status: StatusCompleted}
}

// Test helpers

func (m *MockLLM) GetRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Request, len(m.requests))
	copy(result, m.requests)
	return result
}

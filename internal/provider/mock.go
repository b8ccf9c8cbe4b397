package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider records everything the bridge sends.
type MockProvider struct {
	name string

	mu          sync.Mutex
	messages    chan Message
	sent        []Sent
	startCalled bool
	stopCalled  bool
	startErr    error
	sendErr     error
	stopped     bool
	notify      chan struct{}
}

// Sent is one Send or SendFile call. Filename is empty for Send.
type Sent struct {
	ChannelID string
	Content   string
	Filename  string
	Data      []byte
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:     name,
		messages: make(chan Message, 100),
		notify:   make(chan struct{}, 1),
	}
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalled = true
	return m.startErr
}

func (m *MockProvider) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopCalled = true
	m.stopped = true
	close(m.messages)
	return nil
}

func (m *MockProvider) Send(channelID string, content string) error {
	return m.record(Sent{ChannelID: channelID, Content: content})
}

func (m *MockProvider) SendFile(channelID string, filename string, content []byte) error {
	return m.record(Sent{ChannelID: channelID, Filename: filename, Data: content})
}

func (m *MockProvider) record(s Sent) error {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return m.sendErr
	}
	m.sent = append(m.sent, s)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockProvider) Messages() <-chan Message {
	return m.messages
}

// Simulate delivers msg as if a user typed it. Dropped after Stop.
func (m *MockProvider) Simulate(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if msg.Source == "" {
		msg.Source = m.name
	}
	select {
	case m.messages <- msg:
	default:
	}
}

func (m *MockProvider) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// WaitFor polls until cond holds for the sent list or timeout passes.
func (m *MockProvider) WaitFor(timeout time.Duration, cond func([]Sent) bool) bool {
	deadline := time.After(timeout)
	for {
		if cond(m.Sent()) {
			return true
		}
		select {
		case <-m.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond(m.Sent())
		}
	}
}

func (m *MockProvider) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockProvider) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockProvider) WasStartCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalled
}

func (m *MockProvider) WasStopCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalled
}

// Package provider connects chat services to the bridge.
package provider

import (
	"context"
)

// Message is one line of chat input.
type Message struct {
	ChannelID string
	Content   string
	Author    string
	// AuthorID is the stable user id of the service; rate limits key on it.
	// Empty for the terminal.
	AuthorID string
	Source   string
}

// UserKey identifies the sender for rate limiting.
func (m Message) UserKey() string {
	if m.AuthorID != "" {
		return m.AuthorID
	}
	return m.Author
}

// Provider is a chat service the bridge reads prompts from and mirrors
// agent output to.
type Provider interface {
	// Name returns the provider name ("discord", "terminal")
	Name() string

	// Start connects to the chat service
	Start(ctx context.Context) error

	// Stop disconnects and closes the Messages channel
	Stop() error

	Send(channelID string, content string) error

	SendFile(channelID string, filename string, content []byte) error

	// Messages returns a channel of incoming messages
	Messages() <-chan Message
}

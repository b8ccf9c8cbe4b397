package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Terminal reads prompts from stdin and prints agent output to stdout.
type Terminal struct {
	channelID string
	author    string
	reader    io.Reader

	writeMu sync.Mutex
	writer  io.Writer

	mu       sync.Mutex
	messages chan Message
	stopped  bool
}

type TerminalOption func(*Terminal)

// WithIO replaces stdin and stdout.
func WithIO(r io.Reader, w io.Writer) TerminalOption {
	return func(t *Terminal) {
		t.reader = r
		t.writer = w
	}
}

func NewTerminal(channelID string, opts ...TerminalOption) *Terminal {
	author := os.Getenv("USER")
	if author == "" {
		author = "terminal"
	}
	t := &Terminal{
		channelID: channelID,
		author:    author,
		reader:    os.Stdin,
		writer:    os.Stdout,
		messages:  make(chan Message, 100),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Terminal) Name() string {
	return "terminal"
}

func (t *Terminal) Start(ctx context.Context) error {
	go t.readLoop(ctx)
	return nil
}

// readLoop sends one message per non-blank line until EOF, ctx or Stop.
func (t *Terminal) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		select {
		case t.messages <- Message{
			ChannelID: t.channelID,
			Content:   line,
			Author:    t.author,
			Source:    "terminal",
		}:
		default:
			slog.Warn("terminal inbox full, dropping line")
		}
		t.mu.Unlock()
	}
}

func (t *Terminal) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return nil
	}
	t.stopped = true
	close(t.messages)
	return nil
}

func (t *Terminal) Send(channelID string, content string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := fmt.Fprintln(t.writer, content)
	return err
}

func (t *Terminal) SendFile(channelID string, filename string, content []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := fmt.Fprintf(t.writer, "--- %s ---\n%s\n--- end ---\n", filename, strings.TrimRight(string(content), "\n"))
	return err
}

func (t *Terminal) Messages() <-chan Message {
	return t.messages
}

func (t *Terminal) ChannelID() string {
	return t.channelID
}

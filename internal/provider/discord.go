package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// MaxDiscordMessage is the Discord limit on message length.
const MaxDiscordMessage = 2000

var errNotConnected = errors.New("discord not connected")

type Discord struct {
	token string

	mu       sync.Mutex
	channels map[string]bool
	session  *discordgo.Session
	messages chan Message
	stopped  bool
}

func NewDiscord(token string, channelIDs []string) *Discord {
	channels := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		channels[id] = true
	}
	return &Discord{
		token:    token,
		channels: channels,
		messages: make(chan Message, 100),
	}
}

func (d *Discord) Name() string {
	return "discord"
}

func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	session.AddHandler(d.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if err := session.Open(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	slog.Info("discord connected", "channels", len(d.channels))
	return nil
}

func (d *Discord) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	d.stopped = true

	if d.session != nil {
		if err := d.session.Close(); err != nil {
			slog.Warn("close discord session", "error", err)
		}
	}
	close(d.messages)
	return nil
}

// Watch adds a channel to the set the bot listens to.
func (d *Discord) Watch(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[channelID] = true
}

func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	self := ""
	if s.State != nil && s.State.User != nil {
		self = s.State.User.ID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := fromDiscord(self, d.channels, m.Message)
	if !ok || d.stopped {
		return
	}

	select {
	case d.messages <- msg:
	default:
		slog.Warn("discord inbox full, dropping message", "channel_id", msg.ChannelID)
	}
}

// fromDiscord converts a gateway message, skipping the bot's own posts
// and unwatched channels.
func fromDiscord(selfID string, channels map[string]bool, m *discordgo.Message) (Message, bool) {
	if m == nil || m.Author == nil || m.Author.ID == selfID || m.Author.Bot {
		return Message{}, false
	}
	if !channels[m.ChannelID] {
		return Message{}, false
	}
	return Message{
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Author:    m.Author.Username,
		AuthorID:  m.Author.ID,
		Source:    "discord",
	}, true
}

func (d *Discord) Send(channelID string, content string) error {
	session := d.current()
	if session == nil {
		return errNotConnected
	}
	for _, chunk := range Split(content, MaxDiscordMessage) {
		if _, err := session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (d *Discord) SendFile(channelID string, filename string, content []byte) error {
	session := d.current()
	if session == nil {
		return errNotConnected
	}
	if _, err := session.ChannelFileSend(channelID, filename, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

func (d *Discord) Messages() <-chan Message {
	return d.messages
}

func (d *Discord) current() *discordgo.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Split cuts s into chunks of at most limit bytes, preferring line breaks
// and never splitting a UTF-8 sequence.
func Split(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8Start(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		} else {
			cut++
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

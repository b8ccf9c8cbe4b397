// Package bridge connects chat providers to agent rounds: prompts from a
// channel become rounds on the chat bound to it, and every message a round
// emits is mirrored back to the channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yagent/agent-bridge/internal/config"
	"github.com/yagent/agent-bridge/internal/git"
	"github.com/yagent/agent-bridge/internal/llm"
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/output"
	"github.com/yagent/agent-bridge/internal/provider"
	"github.com/yagent/agent-bridge/internal/ratelimit"
	"github.com/yagent/agent-bridge/internal/router"
	"github.com/yagent/agent-bridge/internal/store"
	"github.com/yagent/agent-bridge/internal/target"
	"github.com/yagent/agent-bridge/internal/worker"
)

// TerminalChannel is the channel id of the local terminal.
const TerminalChannel = "terminal"

var errUnbound = errors.New("no chat is bound to this channel")

// Store is the chat store the bridge and its rounds use.
type Store interface {
	worker.Store
	CreateChat(ctx context.Context, chat *store.Chat) error
	SetInterrupted(ctx context.Context, id string, interrupted bool) error
}

// BranchFunc reports the git branch of a work directory.
type BranchFunc func(ctx context.Context, dir string) (string, error)

// DiscordFactory creates the Discord provider. Defaults to provider.NewDiscord.
type DiscordFactory func(token string, channelIDs []string) provider.Provider

// TerminalFactory creates the terminal provider. Defaults to provider.NewTerminal.
type TerminalFactory func(channelID string) provider.Provider

type Bridge struct {
	cfg     *config.Config
	cfgPath string
	store   Store
	runner  *worker.Runner
	output  *output.Handler
	guard   *ratelimit.Guard
	branch  BranchFunc

	discordFactory  DiscordFactory
	terminalFactory TerminalFactory

	mu        sync.Mutex
	providers map[string]provider.Provider
	chats     map[string]*chatSession // by chat id
	bindings  map[string]string       // provider/channel -> chat id
	stopping  bool
	closed    bool

	rounds     sync.WaitGroup
	outbox     chan outgoing
	sent       chan struct{}
	senderOnce sync.Once
}

type chatSession struct {
	id       string
	name     string
	channels []channelRef
	merger   *Merger
}

type channelRef struct {
	provider  provider.Provider
	channelID string
}

type outgoing struct {
	to   channelRef
	post output.Post
}

type Option func(*Bridge)

func WithBranchFunc(fn BranchFunc) Option {
	return func(b *Bridge) { b.branch = fn }
}

func WithDiscordFactory(fn DiscordFactory) Option {
	return func(b *Bridge) { b.discordFactory = fn }
}

func WithTerminalFactory(fn TerminalFactory) Option {
	return func(b *Bridge) { b.terminalFactory = fn }
}

// New wires a bridge. cfgPath may be empty, in which case chat ids created
// for channels are kept in memory only.
func New(cfg *config.Config, cfgPath string, st Store, backend llm.LLM, opts ...Option) *Bridge {
	if cfg.Channels == nil {
		cfg.Channels = make(map[string]config.ChannelConfig)
	}
	b := &Bridge{
		cfg:       cfg,
		cfgPath:   cfgPath,
		store:     st,
		output:    output.NewHandler(cfg.Defaults.OutputThreshold),
		branch:    git.NewInspector(target.NewLocal()).Branch,
		providers: make(map[string]provider.Provider),
		chats:     make(map[string]*chatSession),
		bindings:  make(map[string]string),
		outbox:    make(chan outgoing, 256),
		sent:      make(chan struct{}),
		discordFactory: func(token string, channelIDs []string) provider.Provider {
			return provider.NewDiscord(token, channelIDs)
		},
		terminalFactory: func(channelID string) provider.Provider {
			return provider.NewTerminal(channelID)
		},
	}

	rl := cfg.Defaults.RateLimit
	b.guard = ratelimit.NewGuard(rl.GetRateLimitEnabled(),
		ratelimit.Config{Rate: rl.GetUserRate(), Burst: rl.GetUserBurst()},
		ratelimit.Config{Rate: rl.GetChannelRate(), Burst: rl.GetChannelBurst()},
	)

	workDir := cfg.Defaults.WorkDir
	if workDir == "" {
		workDir = cfg.VM.WorkDir
	}
	b.runner = worker.New(st, backend,
		worker.WithDefaults(worker.Defaults{
			Model:        cfg.Defaults.Model,
			MaxTurns:     cfg.Defaults.MaxTurns,
			SystemPrompt: cfg.Defaults.SystemPrompt,
			AllowedTools: cfg.Defaults.AllowedTools,
			WorkDir:      workDir,
		}),
		worker.WithObserver(b.mirror),
	)

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start connects the providers and serves until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.startSender()

	if token := b.cfg.Providers.Discord.BotToken; token != "" {
		if ids := b.channelIDsForProvider("discord"); len(ids) > 0 {
			discord := b.discordFactory(token, ids)
			if err := discord.Start(ctx); err != nil {
				b.Stop()
				return fmt.Errorf("start discord: %w", err)
			}
			b.addProvider(discord)
			go b.handleMessages(ctx, discord)
			slog.Info("discord provider started", "channels", len(ids))
		}
	}

	terminal := b.terminalFactory(TerminalChannel)
	if err := terminal.Start(ctx); err != nil {
		b.Stop()
		return fmt.Errorf("start terminal: %w", err)
	}
	b.addProvider(terminal)
	go b.handleMessages(ctx, terminal)
	slog.Info("terminal provider started")

	<-ctx.Done()
	return b.Stop()
}

// Stop waits for running rounds, flushes pending posts and disconnects
// the providers. Rounds see the cancelled context passed to Start.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	b.mu.Unlock()

	b.rounds.Wait()

	b.startSender()
	b.mu.Lock()
	b.closed = true
	close(b.outbox)
	b.mu.Unlock()
	<-b.sent

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, prov := range b.providers {
		if err := prov.Stop(); err != nil {
			slog.Warn("stop provider", "provider", name, "error", err)
		}
	}
	return nil
}

func (b *Bridge) addProvider(p provider.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[p.Name()] = p
}

func (b *Bridge) channelIDsForProvider(name string) []string {
	var ids []string
	for _, ch := range b.cfg.Channels {
		if strings.EqualFold(ch.Provider, name) {
			ids = append(ids, ch.ChannelID)
		}
	}
	return ids
}

func (b *Bridge) handleMessages(ctx context.Context, prov provider.Provider) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-prov.Messages():
			if !ok {
				return
			}
			b.processMessage(ctx, prov, msg)
		}
	}
}

func (b *Bridge) processMessage(ctx context.Context, prov provider.Provider, msg provider.Message) {
	route := router.Parse(msg.Content)
	if route.Kind == router.KindPrompt && route.Prompt == "" {
		return
	}
	from := channelRef{provider: prov, channelID: msg.ChannelID}

	if route.Kind == router.KindCommand && route.Command == "help" {
		b.reply(from, router.Help())
		return
	}

	sess, err := b.resolve(ctx, from)
	if err != nil {
		if !errors.Is(err, errUnbound) {
			slog.Error("resolve chat", "provider", prov.Name(), "channel", msg.ChannelID, "error", err)
		}
		b.reply(from, fmt.Sprintf("Error: %v", err))
		return
	}

	switch route.Kind {
	case router.KindCommand:
		b.reply(from, b.handleCommand(ctx, sess, route))
	case router.KindPrompt:
		if b.isRateLimited(from, msg) {
			return
		}
		b.handlePrompt(ctx, sess, from, msg, route.Prompt)
	}
}

func (b *Bridge) isRateLimited(from channelRef, msg provider.Message) bool {
	switch b.guard.Allow(msg.ChannelID, msg.UserKey()) {
	case ratelimit.UserLimited:
		slog.Warn("rate limited user", "user", msg.Author, "author_id", msg.AuthorID, "channel", msg.ChannelID)
		b.reply(from, fmt.Sprintf("Rate limited: too many prompts from %s. Please wait.", msg.Author))
		return true
	case ratelimit.ChannelLimited:
		slog.Warn("rate limited channel", "channel", msg.ChannelID)
		b.reply(from, "Rate limited: too many prompts in this channel. Please wait.")
		return true
	}
	return false
}

// resolve finds or creates the chat bound to a channel. The terminal is
// always bound, to a chat named "terminal" unless the config binds it.
func (b *Bridge) resolve(ctx context.Context, from channelRef) (*chatSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := from.provider.Name() + "/" + from.channelID
	if id, ok := b.bindings[key]; ok {
		return b.chats[id], nil
	}

	name, ch, fromFile := b.cfg.ChannelFor(from.provider.Name(), from.channelID)
	if !fromFile {
		if from.provider.Name() != "terminal" {
			return nil, errUnbound
		}
		name = TerminalChannel
		ch = config.ChannelConfig{Provider: "terminal", ChannelID: from.channelID}
	}

	chat, err := b.loadOrCreateChat(ctx, name, ch)
	if err != nil {
		return nil, err
	}
	if ch.ChatID != chat.ID {
		ch.ChatID = chat.ID
		b.cfg.Channels[name] = ch
		if fromFile && b.cfgPath != "" {
			if err := config.SetChatID(b.cfgPath, name, chat.ID); err != nil {
				slog.Warn("persist chat id", "channel", name, "error", err)
			}
		}
	}

	sess, ok := b.chats[chat.ID]
	if !ok {
		sess = &chatSession{id: chat.ID, name: name, merger: NewMerger(0)}
		b.chats[chat.ID] = sess
	}
	sess.channels = append(sess.channels, from)
	b.bindings[key] = chat.ID
	slog.Info("channel bound", "channel", name, "provider", from.provider.Name(), "chat_id", chat.ID)
	return sess, nil
}

func (b *Bridge) loadOrCreateChat(ctx context.Context, name string, ch config.ChannelConfig) (*store.Chat, error) {
	if ch.ChatID != "" {
		chat, err := b.store.GetChat(ctx, ch.ChatID)
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, store.ErrChatNotFound) {
			return nil, fmt.Errorf("load chat: %w", err)
		}
	}
	chat := &store.Chat{ID: ch.ChatID, Title: name, WorkDir: ch.WorkDir}
	if err := b.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

func (b *Bridge) handleCommand(ctx context.Context, sess *chatSession, route router.Route) string {
	chat, err := b.store.GetChat(ctx, sess.id)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	switch route.Command {
	case "status":
		return b.status(ctx, chat)
	case "cancel":
		if !chat.Running {
			return "No round is running."
		}
		if err := b.store.SetInterrupted(ctx, chat.ID, true); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		slog.Info("round cancel requested", "chat_id", chat.ID)
		return "Cancelling the running round."
	case "new":
		if chat.Running {
			return "A round is running. Use /cancel first."
		}
		if err := b.store.SetExternalID(ctx, chat.ID, ""); err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return "The next prompt starts a new session."
	}
	return fmt.Sprintf("Unknown command: %s", route.Command)
}

func (b *Bridge) status(ctx context.Context, chat *store.Chat) string {
	state := "idle"
	if chat.Running {
		state = "running"
	}
	session := chat.ExternalID
	if session == "" {
		session = "(new)"
	}
	dir := b.workDir(chat)
	branch := "-"
	if b.branch != nil && dir != "" {
		if br, err := b.branch(ctx, dir); err == nil {
			branch = br
		} else {
			slog.Debug("branch lookup failed", "dir", dir, "error", err)
		}
	}
	msgs, err := b.store.Messages(ctx, chat.ID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	return fmt.Sprintf("Chat: %s (%s)\nState: %s\nSession: %s\nWork dir: %s\nBranch: %s\nMessages: %d",
		chat.Title, chat.ID, state, session, orDash(dir), branch, len(msgs))
}

func (b *Bridge) workDir(chat *store.Chat) string {
	if chat.WorkDir != "" {
		return chat.WorkDir
	}
	if b.cfg.Defaults.WorkDir != "" {
		return b.cfg.Defaults.WorkDir
	}
	return b.cfg.VM.WorkDir
}

// handlePrompt appends the prompt to the chat and starts a round. A prompt
// that arrives while a round runs is rejected and not stored.
func (b *Bridge) handlePrompt(ctx context.Context, sess *chatSession, from channelRef, msg provider.Message, text string) {
	chat, err := b.store.GetChat(ctx, sess.id)
	if err != nil {
		b.reply(from, fmt.Sprintf("Error: %v", err))
		return
	}
	if chat.Running {
		b.reply(from, "A round is already running. Use /cancel to stop it.")
		return
	}

	history, err := b.store.Messages(ctx, sess.id)
	if err != nil {
		b.reply(from, fmt.Sprintf("Error: %v", err))
		return
	}
	user := message.Message{
		Role:    message.RoleUser,
		ID:      message.NewID(),
		Content: sess.merger.FormatMessage(from.provider.Name(), msg.Author, text),
	}
	if len(history) > 0 {
		user.ParentID = history[len(history)-1].ID
	}
	user.Stamp(time.Now())
	if err := b.store.AppendMessage(ctx, sess.id, user); err != nil {
		b.reply(from, fmt.Sprintf("Error: %v", err))
		return
	}

	b.startRound(ctx, sess)
}

func (b *Bridge) startRound(ctx context.Context, sess *chatSession) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.rounds.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.rounds.Done()
		res, err := b.runner.RunChat(ctx, sess.id)
		switch {
		case errors.Is(err, store.ErrRoundRunning):
			b.broadcast(sess.id, "A round is already running. Use /cancel to stop it.")
		case err != nil:
			slog.Error("round failed", "chat_id", sess.id, "error", err)
			b.broadcast(sess.id, fmt.Sprintf("Error: %v", err))
		default:
			b.broadcast(sess.id, Summary(res))
		}
	}()
}

// Summary is the line posted when a round ends.
func Summary(res llm.Result) string {
	var head string
	switch res.Status {
	case llm.StatusCompleted:
		head = "Round completed"
	case llm.StatusInterrupted:
		head = "Round interrupted"
	default:
		head = "Round failed"
	}
	s := fmt.Sprintf("%s (%d turns, $%.4f)", head, res.NumTurns, res.CostUSD)
	if res.Status == llm.StatusError && res.ResultText != "" {
		s += ": " + output.Truncate(res.ResultText, 300)
	}
	return s
}

// mirror is the round observer: it posts each stored message to every
// channel bound to the chat.
func (b *Bridge) mirror(chatID string, msg message.Message) {
	post, ok := b.output.Render(msg)
	if !ok {
		return
	}
	for _, ch := range b.channelsOf(chatID) {
		b.enqueue(outgoing{to: ch, post: post})
	}
}

func (b *Bridge) broadcast(chatID, text string) {
	for _, ch := range b.channelsOf(chatID) {
		b.enqueue(outgoing{to: ch, post: output.Post{Text: text}})
	}
}

func (b *Bridge) reply(to channelRef, text string) {
	b.enqueue(outgoing{to: to, post: output.Post{Text: text}})
}

func (b *Bridge) channelsOf(chatID string) []channelRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]channelRef, len(sess.channels))
	copy(out, sess.channels)
	return out
}

// enqueue hands a post to the send loop so a slow provider does not hold
// up the round that produced it. Posts after Stop are dropped.
func (b *Bridge) enqueue(o outgoing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.outbox <- o
}

func (b *Bridge) startSender() {
	b.senderOnce.Do(func() { go b.sendLoop() })
}

func (b *Bridge) sendLoop() {
	defer close(b.sent)
	for o := range b.outbox {
		p := o.to.provider
		if o.post.Text != "" {
			if err := p.Send(o.to.channelID, o.post.Text); err != nil {
				slog.Error("send failed", "provider", p.Name(), "channel", o.to.channelID, "error", err)
			}
		}
		if f := o.post.File; f != nil {
			if err := p.SendFile(o.to.channelID, f.Name, f.Data); err != nil {
				slog.Error("send file failed", "provider", p.Name(), "channel", o.to.channelID, "error", err)
			}
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

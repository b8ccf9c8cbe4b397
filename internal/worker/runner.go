// Package worker runs agent rounds for persisted chats.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yagent/agent-bridge/internal/llm"
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/store"
)

// ErrNoPrompt is returned when a chat has no user message to answer.
var ErrNoPrompt = errors.New("no user message to run")

// Store is the part of the chat store a round needs.
type Store interface {
	GetChat(ctx context.Context, id string) (*store.Chat, error)
	BeginRound(ctx context.Context, id string) error
	SetRunning(ctx context.Context, id string, running bool) error
	Interrupted(ctx context.Context, id string) (bool, error)
	AppendMessage(ctx context.Context, chatID string, msg message.Message) error
	Messages(ctx context.Context, chatID string) ([]message.Message, error)
	SetExternalID(ctx context.Context, id, externalID string) error
}

// Defaults are the CLI options applied to every round.
type Defaults struct {
	Model        string
	MaxTurns     int
	SystemPrompt string
	AllowedTools []string
	WorkDir      string
}

// Observer sees every message after it was stored.
type Observer func(chatID string, msg message.Message)

type Runner struct {
	store     Store
	backend   llm.LLM
	defaults  Defaults
	observers []Observer
}

type Option func(*Runner)

func WithDefaults(d Defaults) Option {
	return func(r *Runner) {
		r.defaults = d
	}
}

func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

func New(s Store, backend llm.LLM, opts ...Option) *Runner {
	r := &Runner{store: s, backend: backend}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunChat answers the latest user message of a chat with one round. The
// chat is marked running for the duration; a second concurrent call gets
// store.ErrRoundRunning. The CLI session id from the round is stored so the
// next round resumes it.
func (r *Runner) RunChat(ctx context.Context, chatID string) (llm.Result, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return llm.Result{}, fmt.Errorf("load chat: %w", err)
	}
	if err := r.store.BeginRound(ctx, chatID); err != nil {
		return llm.Result{}, err
	}
	defer func() {
		// The round may have been cancelled; the flag must still clear.
		if err := r.store.SetRunning(context.WithoutCancel(ctx), chatID, false); err != nil {
			slog.Error("clear running flag", "chat_id", chatID, "error", err)
		}
	}()

	history, err := r.store.Messages(ctx, chatID)
	if err != nil {
		return llm.Result{}, fmt.Errorf("load messages: %w", err)
	}
	prompt, ok := latestPrompt(history)
	if !ok {
		slog.Warn("chat has no prompt", "chat_id", chatID)
		return llm.Result{}, ErrNoPrompt
	}
	var lastID string
	if len(history) > 0 {
		lastID = history[len(history)-1].ID
	}

	workDir := chat.WorkDir
	if workDir == "" {
		workDir = r.defaults.WorkDir
	}
	req := llm.Request{
		Prompt:        prompt,
		SessionID:     chat.ExternalID,
		Resume:        chat.ExternalID != "",
		LastMessageID: lastID,
		WorkDir:       workDir,
		Model:         r.defaults.Model,
		MaxTurns:      r.defaults.MaxTurns,
		SystemPrompt:  r.defaults.SystemPrompt,
		AllowedTools:  r.defaults.AllowedTools,
		Sink:          r.sink(ctx, chatID),
		Interrupted:   r.interrupted(ctx, chatID),
	}

	slog.Info("round started", "chat_id", chatID, "backend", r.backend.Name(), "resume", req.Resume)
	res := r.backend.Run(ctx, req)
	slog.Info("round finished",
		"chat_id", chatID,
		"status", res.Status,
		"session_id", res.SessionID,
		"cost_usd", res.CostUSD,
		"num_turns", res.NumTurns,
	)

	if res.SessionID != "" && res.SessionID != chat.ExternalID {
		if err := r.store.SetExternalID(context.WithoutCancel(ctx), chatID, res.SessionID); err != nil {
			return res, fmt.Errorf("store session id: %w", err)
		}
	}
	return res, nil
}

func (r *Runner) sink(ctx context.Context, chatID string) llm.Sink {
	return func(msg message.Message) error {
		if err := r.store.AppendMessage(ctx, chatID, msg); err != nil {
			return err
		}
		slog.Debug("message stored",
			"chat_id", chatID,
			"role", msg.Role,
			"tool", msg.Tool,
			"content_length", len(msg.Content),
		)
		for _, o := range r.observers {
			o(chatID, msg)
		}
		return nil
	}
}

// interrupted reads the flag from the store. A read failure does not stop
// the round.
func (r *Runner) interrupted(ctx context.Context, chatID string) func() bool {
	return func() bool {
		v, err := r.store.Interrupted(ctx, chatID)
		if err != nil {
			slog.Warn("read interrupt flag", "chat_id", chatID, "error", err)
			return false
		}
		return v
	}
}

func latestPrompt(history []message.Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == message.RoleUser {
			return history[i].Content, true
		}
	}
	return "", false
}

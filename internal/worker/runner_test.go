package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yagent/agent-bridge/internal/llm"
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/store"
)

func setup(t *testing.T) (*store.SQLiteStore, *store.Chat) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &store.Chat{Title: "t"}
	require.NoError(t, s.CreateChat(context.Background(), c))
	return s, c
}

func TestRunChat_FirstRound(t *testing.T) {
	ctx := context.Background()
	s, chat := setup(t)
	require.NoError(t, s.AppendMessage(ctx, chat.ID, message.Message{Role: message.RoleUser, ID: "u1", Content: "list files"}))

	var observed []string
	backend := llm.NewMockLLM("mock")
	backend.RunFn = func(_ context.Context, req llm.Request) llm.Result {
		stored, err := s.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.True(t, stored.Running, "chat should be running during the round")

		require.NoError(t, req.Sink(message.Message{Role: message.RoleAssistant, ID: "a1", ParentID: req.LastMessageID, Content: "a.txt"}))
		assert.False(t, req.Interrupted())
		return llm.Result{Status: llm.StatusCompleted, SessionID: "sess-1", NumTurns: 1}
	}

	r := New(s, backend,
		WithDefaults(Defaults{Model: "sonnet", MaxTurns: 3, WorkDir: "/default"}),
		WithObserver(func(chatID string, msg message.Message) { observed = append(observed, chatID+"/"+msg.ID) }),
	)
	res, err := r.RunChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, llm.StatusCompleted, res.Status)

	reqs := backend.GetRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "list files", reqs[0].Prompt)
	assert.False(t, reqs[0].Resume)
	assert.Equal(t, "u1", reqs[0].LastMessageID)
	assert.Equal(t, "sonnet", reqs[0].Model)
	assert.Equal(t, 3, reqs[0].MaxTurns)
	assert.Equal(t, "/default", reqs[0].WorkDir)

	stored, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.False(t, stored.Running)
	assert.Equal(t, "sess-1", stored.ExternalID)

	msgs, err := s.Messages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[1].ParentID)
	assert.Equal(t, []string{chat.ID + "/a1"}, observed)
}

func TestRunChat_ResumesSession(t *testing.T) {
	ctx := context.Background()
	s, chat := setup(t)
	require.NoError(t, s.SetExternalID(ctx, chat.ID, "sess-1"))
	require.NoError(t, s.SetWorkDir(ctx, chat.ID, "/chat-dir"))
	for _, m := range []message.Message{
		{Role: message.RoleUser, ID: "u1", Content: "first"},
		{Role: message.RoleAssistant, ID: "a1", Content: "ok"},
		{Role: message.RoleUser, ID: "u2", Content: "second"},
	} {
		require.NoError(t, s.AppendMessage(ctx, chat.ID, m))
	}

	backend := llm.NewMockLLM("mock")
	r := New(s, backend, WithDefaults(Defaults{WorkDir: "/default"}))
	_, err := r.RunChat(ctx, chat.ID)
	require.NoError(t, err)

	req := backend.GetRequests()[0]
	assert.Equal(t, "second", req.Prompt)
	assert.True(t, req.Resume)
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "u2", req.LastMessageID)
	assert.Equal(t, "/chat-dir", req.WorkDir)
}

func TestRunChat_NoPrompt(t *testing.T) {
	ctx := context.Background()
	s, chat := setup(t)

	backend := llm.NewMockLLM("mock")
	_, err := New(s, backend).RunChat(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNoPrompt)
	assert.Empty(t, backend.GetRequests())

	stored, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.False(t, stored.Running)
}

func TestRunChat_AlreadyRunning(t *testing.T) {
	ctx := context.Background()
	s, chat := setup(t)
	require.NoError(t, s.AppendMessage(ctx, chat.ID, message.Message{Role: message.RoleUser, ID: "u1", Content: "x"}))
	require.NoError(t, s.SetRunning(ctx, chat.ID, true))

	backend := llm.NewMockLLM("mock")
	_, err := New(s, backend).RunChat(ctx, chat.ID)
	assert.ErrorIs(t, err, store.ErrRoundRunning)
	assert.Empty(t, backend.GetRequests())

	stored, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, stored.Running, "the other round still owns the flag")
}

func TestRunChat_InterruptFlag(t *testing.T) {
	ctx := context.Background()
	s, chat := setup(t)
	require.NoError(t, s.AppendMessage(ctx, chat.ID, message.Message{Role: message.RoleUser, ID: "u1", Content: "x"}))
	// A stale flag from an earlier round must not stop this one.
	require.NoError(t, s.SetInterrupted(ctx, chat.ID, true))

	backend := llm.NewMockLLM("mock")
	backend.RunFn = func(_ context.Context, req llm.Request) llm.Result {
		assert.False(t, req.Interrupted())
		require.NoError(t, s.SetInterrupted(ctx, chat.ID, true))
		assert.True(t, req.Interrupted())
		return llm.Result{Status: llm.StatusInterrupted}
	}
	res, err := New(s, backend).RunChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, llm.StatusInterrupted, res.Status)

	stored, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExternalID)
}

func TestRunChat_MissingChat(t *testing.T) {
	s, _ := setup(t)
	_, err := New(s, llm.NewMockLLM("mock")).RunChat(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrChatNotFound))
}

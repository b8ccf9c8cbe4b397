package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yagent/agent-bridge/internal/convert"
	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/output"
	"github.com/yagent/agent-bridge/internal/store"
)

// maxTranscriptLine bounds one transcript line; tool results can be large.
const maxTranscriptLine = 16 << 20

type importStats struct {
	Created int
	Updated int
	Skipped int
}

// importTranscripts imports <dir>/<project>/<session>.jsonl files. A chat
// is keyed by the session uuid from the file name: an existing chat gets
// its messages replaced, otherwise a new one is created.
func importTranscripts(ctx context.Context, st *store.SQLiteStore, dir, project string) (importStats, error) {
	pattern := filepath.Join(dir, "*", "*.jsonl")
	if project != "" {
		pattern = filepath.Join(dir, project, "*.jsonl")
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return importStats{}, fmt.Errorf("list transcripts: %w", err)
	}
	sort.Strings(files)

	var stats importStats
	for _, path := range files {
		created, err := importFile(ctx, st, path)
		switch {
		case errors.Is(err, errEmptyTranscript):
			stats.Skipped++
		case err != nil:
			return stats, fmt.Errorf("import %s: %w", path, err)
		case created:
			stats.Created++
		default:
			stats.Updated++
		}
	}
	slog.Info("import finished", "dir", dir, "files", len(files), "created", stats.Created, "updated", stats.Updated)
	return stats, nil
}

var errEmptyTranscript = errors.New("transcript has no messages")

func importFile(ctx context.Context, st *store.SQLiteStore, path string) (bool, error) {
	lines, err := readLines(path)
	if err != nil {
		return false, err
	}
	hist := convert.ConvertHistory(lines)
	if len(hist.Messages) == 0 {
		return false, errEmptyTranscript
	}
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	chat, err := st.FindByExternalID(ctx, sessionID)
	created := false
	switch {
	case errors.Is(err, store.ErrChatNotFound):
		chat = &store.Chat{Title: chatTitle(hist.Messages), ExternalID: sessionID, WorkDir: hist.WorkDir}
		if err := st.CreateChat(ctx, chat); err != nil {
			return false, err
		}
		created = true
	case err != nil:
		return false, err
	case hist.WorkDir != "" && chat.WorkDir != hist.WorkDir:
		if err := st.SetWorkDir(ctx, chat.ID, hist.WorkDir); err != nil {
			return false, err
		}
	}

	if err := st.ReplaceMessages(ctx, chat.ID, hist.Messages); err != nil {
		return false, err
	}
	slog.Debug("transcript imported", "file", path, "chat_id", chat.ID, "messages", len(hist.Messages))
	return created, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// chatTitle is the first line of the first user message.
func chatTitle(msgs []message.Message) string {
	for _, m := range msgs {
		if m.Role == message.RoleUser && strings.TrimSpace(m.Content) != "" {
			first, _, _ := strings.Cut(strings.TrimSpace(m.Content), "\n")
			return output.Truncate(first, 60)
		}
	}
	return "imported session"
}

func listChats(ctx context.Context, st *store.SQLiteStore, w io.Writer) error {
	chats, err := st.ListChats(ctx)
	if err != nil {
		return err
	}
	for _, c := range chats {
		state := ""
		if c.Running {
			state = " [running]"
		}
		fmt.Fprintf(w, "%s  %s  %s%s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04"), c.Title, state)
	}
	return nil
}

func printHistory(ctx context.Context, st *store.SQLiteStore, chatID string, asJSON bool, w io.Writer) error {
	if _, err := st.GetChat(ctx, chatID); err != nil {
		return err
	}
	msgs, err := st.Messages(ctx, chatID)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		for _, m := range msgs {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
		return nil
	}

	for _, m := range msgs {
		who := string(m.Role)
		if m.Tool != "" {
			who += "(" + m.Tool + ")"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp, who, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(w, "    -> %s %s\n", tc.Function.Name, output.Truncate(tc.Function.Arguments, 200))
		}
	}
	return nil
}

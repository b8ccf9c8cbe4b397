package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yagent/agent-bridge/internal/target"
)

// Stream ids prefixed to every binary frame of the exec channel.
const (
	StreamStdin    byte = 0
	StreamStdout   byte = 1
	StreamStderr   byte = 2
	StreamExit     byte = 3
	StreamStdinEOF byte = 4
)

// channelResult is what the read loop reports when the channel ends.
type channelResult struct {
	exitCode int
	exited   bool
	err      error
}

// runRemote runs the round over the sandbox exec websocket. Output is read
// by a separate goroutine; this one only polls for interruption and the
// deadline.
func (c *Claude) runRemote(ctx context.Context, cmd target.Command, req Request) Result {
	r := newRound(req)

	roundCtx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	u, err := target.WebsocketURL(c.vm, cmd.Args, cmd.Dir, true)
	if err != nil {
		slog.Error("claude remote url", "vm", c.vm.Name, "error", err)
		return r.failed()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.vm.APIToken)

	conn, _, err := c.dialer.DialContext(roundCtx, u.String(), header)
	if err != nil {
		slog.Error("claude remote dial", "vm", c.vm.Name, "error", err)
		return r.failed()
	}
	defer conn.Close()

	if err := sendPrompt(conn, req.Prompt); err != nil {
		slog.Error("claude remote stdin", "vm", c.vm.Name, "error", err)
		return r.failed()
	}

	diag := &tailBuffer{max: maxDiagnostics}
	lines := newLineBuffer(r.handle)
	done := make(chan channelResult, 1)
	go func() {
		done <- readChannel(conn, lines, diag)
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			if err := lines.Flush(); err != nil && res.err == nil {
				res.err = err
			}
			if res.err != nil {
				slog.Error("claude remote channel failed", "vm", c.vm.Name, "error", res.err, "stderr", diag.String())
				return r.failed()
			}
			if !res.exited {
				slog.Debug("claude remote channel closed without exit status", "vm", c.vm.Name)
			}
			out := r.finish(res.exitCode)
			if out.Status == StatusError {
				slog.Error("claude remote round failed",
					"exit_code", res.exitCode,
					"result", out.ResultText,
					"stderr", diag.String(),
				)
			}
			return out

		case <-ticker.C:
			if r.interrupted(ctx) {
				conn.Close()
				<-done
				slog.Info("claude round interrupted", "session_id", r.sessionID, "delivered", r.delivered)
				return r.stopped()
			}

		case <-roundCtx.Done():
			conn.Close()
			<-done
			if ctx.Err() != nil {
				slog.Info("claude round cancelled", "session_id", r.sessionID)
				return r.stopped()
			}
			slog.Error("claude remote round timed out", "timeout", c.remoteTimeout, "stderr", diag.String())
			return r.failed()
		}
	}
}

func sendPrompt(conn *websocket.Conn, prompt string) error {
	frame := append([]byte{StreamStdin}, prompt...)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{StreamStdinEOF}); err != nil {
		return fmt.Errorf("write stdin eof: %w", err)
	}
	return nil
}

// readChannel consumes frames until the exit frame, a close or an error.
// stdout goes through lines, stderr into diag.
func readChannel(conn *websocket.Conn, lines *lineBuffer, diag *tailBuffer) channelResult {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return channelResult{}
			}
			return channelResult{err: fmt.Errorf("read channel: %w", err)}
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		switch data[0] {
		case StreamStdout:
			if _, err := lines.Write(data[1:]); err != nil {
				return channelResult{err: err}
			}
		case StreamStderr:
			_, _ = diag.Write(data[1:])
		case StreamExit:
			code, err := strconv.Atoi(strings.TrimSpace(string(data[1:])))
			if err != nil {
				return channelResult{err: errors.New("malformed exit frame")}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return channelResult{exitCode: code, exited: true}
		}
	}
}

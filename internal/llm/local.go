package llm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yagent/agent-bridge/internal/target"
)

// maxDiagnostics caps how much stderr is kept for logging.
const maxDiagnostics = 64 << 10

// runPipe drives a process with separate stdio pipes. stderr is drained
// concurrently the whole time so a chatty process never blocks on a full
// pipe while stdout is being read.
func (c *Claude) runPipe(ctx context.Context, starter target.Starter, cmd target.Command, req Request) Result {
	r := newRound(req)

	p, err := starter.Start(ctx, cmd)
	if err != nil {
		slog.Error("claude spawn failed", "cmd", cmd.Args[0], "error", err)
		return r.failed()
	}

	diag := &tailBuffer{max: maxDiagnostics}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(diag, p.Stderr())
	}()

	go func() {
		stdin := p.Stdin()
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			slog.Debug("claude stdin write", "error", err)
		}
		stdin.Close()
	}()

	reader := bufio.NewReader(p.Stdout())
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if r.interrupted(ctx) {
				c.terminate(p)
				<-drained
				slog.Info("claude round interrupted", "session_id", r.sessionID, "delivered", r.delivered)
				return r.stopped()
			}
			if err := r.handle(line); err != nil {
				c.abort(p, drained, diag, err)
				return r.failed()
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			c.abort(p, drained, diag, readErr)
			return r.failed()
		}
	}

	<-drained
	code, err := p.Wait()
	if ctx.Err() != nil {
		slog.Info("claude round cancelled", "session_id", r.sessionID, "delivered", r.delivered)
		return r.stopped()
	}
	if err != nil {
		slog.Error("claude wait failed", "error", err, "stderr", diag.String())
		return r.failed()
	}

	res := r.finish(code)
	switch {
	case res.Status != StatusError:
	case r.summary != nil:
		slog.Error("claude reported error", "result", res.ResultText, "stderr", diag.String())
	default:
		slog.Error("claude exited without result", "exit_code", code, "stderr", diag.String())
	}
	return res
}

// terminate asks p to exit and kills it if it does not within the grace
// period. It returns once the process has been reaped.
func (c *Claude) terminate(p target.Process) {
	if err := p.Terminate(); err != nil {
		slog.Debug("claude terminate", "error", err)
	}
	exited := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(c.killGrace):
		slog.Warn("claude did not exit after SIGTERM, killing")
		_ = p.Kill()
		<-exited
	}
}

func (c *Claude) abort(p target.Process, drained <-chan struct{}, diag *tailBuffer, cause error) {
	slog.Error("claude stream failed", "error", cause)
	if err := p.Kill(); err != nil {
		slog.Debug("claude kill", "error", err)
	}
	_, _ = p.Wait()
	<-drained
	if s := diag.String(); s != "" {
		slog.Error("claude stderr", "stderr", s)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

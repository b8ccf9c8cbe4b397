package llm

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yagent/agent-bridge/internal/message"
	"github.com/yagent/agent-bridge/internal/target"
)

// writeStub writes an executable /bin/sh script standing in for the CLI.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}
	return path
}

// collector is a Sink that records delivered messages.
type collector struct {
	msgs []message.Message
	err  error
}

func (c *collector) sink(msg message.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func runStub(t *testing.T, stub string, req Request) Result {
	t.Helper()
	c := NewClaude(WithClaudePath(stub), WithKillGrace(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return c.Run(ctx, req)
}

func TestRunPipe_Completed(t *testing.T) {
	stub := writeStub(t, `
dir=$(dirname "$0")
printf '%s\n' "$@" > "$dir/args"
cat > "$dir/prompt"
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"s1"}
{"type":"assistant","uuid":"a1","message":{"model":"m","content":[{"type":"text","text":"hi"}]}}
{"type":"result","is_error":false,"session_id":"s1","result":"hi","total_cost_usd":0.02,"num_turns":1}
EOF
`)
	var got collector
	res := runStub(t, stub, Request{
		Prompt:        "say hi",
		SessionID:     "s0",
		Resume:        true,
		LastMessageID: "p0",
		Sink:          got.sink,
	})

	want := Result{Status: StatusCompleted, SessionID: "s1", ResultText: "hi", CostUSD: 0.02, NumTurns: 1}
	if res != want {
		t.Errorf("Run() = %+v, want %+v", res, want)
	}
	if len(got.msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got.msgs))
	}
	msg := got.msgs[0]
	if msg.Role != message.RoleAssistant || msg.Content != "hi" || msg.ID != "a1" || msg.ParentID != "p0" {
		t.Errorf("message = %+v", msg)
	}

	dir := filepath.Dir(stub)
	prompt, err := os.ReadFile(filepath.Join(dir, "prompt"))
	if err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(prompt) != "say hi" {
		t.Errorf("stdin = %q, want %q", prompt, "say hi")
	}
	args, err := os.ReadFile(filepath.Join(dir, "args"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	wantArgs := "-p\n--output-format\nstream-json\n--verbose\n-r\ns0\n--permission-mode\nbypassPermissions\n"
	if string(args) != wantArgs {
		t.Errorf("args = %q, want %q", args, wantArgs)
	}
}

func TestRunPipe_ToolRoundTrip(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
cat <<'EOF'
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tc_1","name":"Read","input":{"path":"a.txt"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tc_1","content":"ok"}]}}
EOF
`)
	var got collector
	res := runStub(t, stub, Request{Sink: got.sink})

	if res.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if len(got.msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(got.msgs))
	}
	tool := got.msgs[1]
	if tool.Role != message.RoleTool || tool.Content != "ok" || tool.Tool != "Read" {
		t.Errorf("tool message = %+v", tool)
	}
	if string(tool.Arguments) != `{"path":"a.txt"}` {
		t.Errorf("Arguments = %s", tool.Arguments)
	}
	if tool.ParentID != got.msgs[0].ID || got.msgs[0].ParentID != "" {
		t.Error("messages should be chained from an empty seed")
	}
}

func TestRunPipe_ExitWithoutResult(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
echo '{"type":"system","session_id":"s9"}'
echo "boom" >&2
exit 1
`)
	res := runStub(t, stub, Request{})
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if res.ResultText != "" {
		t.Errorf("ResultText = %q, want empty", res.ResultText)
	}
	if res.SessionID != "s9" {
		t.Errorf("SessionID = %q, want session from system event", res.SessionID)
	}
}

func TestRunPipe_CleanExitWithoutResult(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
echo '{"type":"system","session_id":"s2"}'
`)
	res := runStub(t, stub, Request{})
	if res.Status != StatusCompleted || res.SessionID != "s2" {
		t.Errorf("Run() = %+v, want completed s2", res)
	}
}

func TestRunPipe_ErrorSummary(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
echo '{"type":"system","session_id":"s1"}'
echo '{"type":"result","is_error":true,"result":"quota exceeded"}'
`)
	res := runStub(t, stub, Request{})
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if res.ResultText != "quota exceeded" || res.SessionID != "s1" {
		t.Errorf("Run() = %+v", res)
	}
}

func TestRunPipe_TrailingLineWithoutNewline(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
printf '%s' '{"type":"result","is_error":false,"session_id":"s3","num_turns":2}'
`)
	res := runStub(t, stub, Request{})
	if res.Status != StatusCompleted || res.SessionID != "s3" || res.NumTurns != 2 {
		t.Errorf("Run() = %+v", res)
	}
}

func TestRunPipe_Interrupted(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
cat <<'EOF'
{"type":"system","session_id":"s1"}
{"type":"assistant","uuid":"a1","message":{"content":[{"type":"text","text":"one"}]}}
{"type":"assistant","uuid":"a2","message":{"content":[{"type":"text","text":"two"}]}}
{"type":"assistant","uuid":"a3","message":{"content":[{"type":"text","text":"three"}]}}
EOF
exec sleep 30
`)
	var got collector
	start := time.Now()
	res := runStub(t, stub, Request{
		Sink:        got.sink,
		Interrupted: func() bool { return len(got.msgs) >= 1 },
	})

	if res.Status != StatusInterrupted {
		t.Errorf("Status = %q, want interrupted", res.Status)
	}
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", res.SessionID)
	}
	if len(got.msgs) != 1 || got.msgs[0].Content != "one" {
		t.Errorf("delivered %+v, want exactly the first message", got.msgs)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

func TestRunPipe_SpawnFailure(t *testing.T) {
	res := runStub(t, filepath.Join(t.TempDir(), "missing-claude"), Request{Prompt: "hi"})
	if res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if res.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", res.SessionID)
	}
}

func TestRunPipe_StderrFloodDoesNotDeadlock(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
head -c 1048576 /dev/zero | tr '\000' 'x' >&2
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"still here"}]}}'
echo '{"type":"result","is_error":false,"session_id":"s1"}'
`)
	var got collector
	res := runStub(t, stub, Request{Sink: got.sink})
	if res.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if len(got.msgs) != 1 || got.msgs[0].Content != "still here" {
		t.Errorf("delivered %+v", got.msgs)
	}
}

func TestRunPipe_SinkErrorAborts(t *testing.T) {
	stub := writeStub(t, `
cat > /dev/null
echo '{"type":"system","session_id":"s1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}'
exec sleep 30
`)
	got := collector{err: errors.New("disk full")}
	start := time.Now()
	res := runStub(t, stub, Request{Sink: got.sink})
	if res.Status != StatusError || res.SessionID != "s1" {
		t.Errorf("Run() = %+v, want error with session s1", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("abort took %v", elapsed)
	}
}

func TestRunPipe_WorkDir(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, `
cat > /dev/null
pwd > "$(dirname "$0")/cwd"
`)
	c := NewClaude(WithClaudePath(stub), WithVM(target.VM{WorkDir: dir}))
	if res := c.Run(context.Background(), Request{}); res.Status != StatusCompleted {
		t.Fatalf("Status = %q", res.Status)
	}
	cwd, err := os.ReadFile(filepath.Join(filepath.Dir(stub), "cwd"))
	if err != nil {
		t.Fatal(err)
	}
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(cwd)))
	wantDir, _ := filepath.EvalSymlinks(dir)
	if gotDir != wantDir {
		t.Errorf("cwd = %q, want %q", gotDir, wantDir)
	}
}

// fakeProcess is a Process whose stdout fails mid-stream.
type fakeProcess struct {
	mu     sync.Mutex
	killed bool
	stdout io.Reader
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (p *fakeProcess) Stdin() io.WriteCloser { return nopWriteCloser{io.Discard} }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader     { return strings.NewReader("fake diagnostics") }
func (p *fakeProcess) Terminate() error      { return nil }
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}
func (p *fakeProcess) Wait() (int, error) { return 0, nil }

type fakeStarter struct {
	proc *fakeProcess
	err  error
	cmds []target.Command
}

func (s *fakeStarter) Start(_ context.Context, cmd target.Command) (target.Process, error) {
	s.cmds = append(s.cmds, cmd)
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

type failingReader struct {
	data string
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestRunPipe_ReadErrorKillsProcess(t *testing.T) {
	proc := &fakeProcess{stdout: &failingReader{data: `{"type":"system","session_id":"s5"}` + "\n"}}
	starter := &fakeStarter{proc: proc}
	c := NewClaude(WithStarter(starter))

	res := c.Run(context.Background(), Request{Prompt: "p", WorkDir: "/w"})
	if res.Status != StatusError || res.SessionID != "s5" {
		t.Errorf("Run() = %+v, want error with session s5", res)
	}
	if !proc.killed {
		t.Error("process should be killed after a read error")
	}
	if len(starter.cmds) != 1 || starter.cmds[0].Dir != "/w" || starter.cmds[0].Args[0] != "claude" {
		t.Errorf("started %+v", starter.cmds)
	}
}

func TestRunPipe_StarterError(t *testing.T) {
	c := NewClaude(WithStarter(&fakeStarter{err: errors.New("no fork")}))
	if res := c.Run(context.Background(), Request{}); res.Status != StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("ab"))
	b.Write([]byte("cdef"))
	if got := b.String(); got != "cdef" {
		t.Errorf("String() = %q, want last 4 bytes", got)
	}
}

package llm

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yagent/agent-bridge/internal/target"
)

const (
	defaultRemoteTimeout = 30 * time.Minute
	defaultPollInterval  = 200 * time.Millisecond
	defaultKillGrace     = 5 * time.Second
)

// Claude drives `claude -p` in stream-json mode.
type Claude struct {
	claudePath    string
	vm            target.VM
	remoteTimeout time.Duration
	pollInterval  time.Duration
	killGrace     time.Duration

	starter target.Starter
	dialer  *websocket.Dialer
}

type ClaudeOption func(*Claude)

func WithClaudePath(path string) ClaudeOption {
	return func(c *Claude) {
		if path != "" {
			c.claudePath = path
		}
	}
}

// WithVM sets where rounds run. The zero VM runs locally.
func WithVM(vm target.VM) ClaudeOption {
	return func(c *Claude) {
		c.vm = vm
	}
}

// WithRemoteTimeout bounds a whole remote round, dial included.
func WithRemoteTimeout(d time.Duration) ClaudeOption {
	return func(c *Claude) {
		if d > 0 {
			c.remoteTimeout = d
		}
	}
}

// WithPollInterval sets how often a remote round checks for interruption.
func WithPollInterval(d time.Duration) ClaudeOption {
	return func(c *Claude) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithKillGrace sets how long a terminated process may take to exit before
// it is killed.
func WithKillGrace(d time.Duration) ClaudeOption {
	return func(c *Claude) {
		if d > 0 {
			c.killGrace = d
		}
	}
}

// WithStarter replaces the process starter for local rounds.
func WithStarter(s target.Starter) ClaudeOption {
	return func(c *Claude) {
		c.starter = s
	}
}

func WithDialer(d *websocket.Dialer) ClaudeOption {
	return func(c *Claude) {
		if d != nil {
			c.dialer = d
		}
	}
}

func NewClaude(opts ...ClaudeOption) *Claude {
	c := &Claude{
		claudePath:    "claude",
		remoteTimeout: defaultRemoteTimeout,
		pollInterval:  defaultPollInterval,
		killGrace:     defaultKillGrace,
		dialer:        websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Claude) Name() string {
	return "claude"
}

// Backend reports where rounds run.
func (c *Claude) Backend() target.Kind {
	return c.vm.Kind()
}

// Args builds the argument vector for req, program name included.
func (c *Claude) Args(req Request) []string {
	args := []string{c.claudePath, "-p", "--output-format", "stream-json", "--verbose"}
	if req.Resume && req.SessionID != "" {
		args = append(args, "-r", req.SessionID)
	}
	args = append(args, "--permission-mode", "bypassPermissions")

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// Run executes one round on the configured backend.
func (c *Claude) Run(ctx context.Context, req Request) Result {
	cmd := target.Command{
		Args: c.Args(req),
		Dir:  req.WorkDir,
		Env:  environ(),
	}
	if cmd.Dir == "" {
		cmd.Dir = c.vm.WorkDir
	}

	kind := c.vm.Kind()
	slog.Info("claude round starting",
		"backend", kind,
		"resume", req.Resume && req.SessionID != "",
		"session_id", req.SessionID,
		"dir", cmd.Dir,
	)

	var res Result
	switch kind {
	case target.KindSprites:
		res = c.runRemote(ctx, cmd, req)
	case target.KindSSH:
		s, err := target.NewSSH(c.vm)
		if err != nil {
			slog.Error("claude ssh target", "vm", c.vm.Name, "error", err)
			return Result{Status: StatusError}
		}
		res = c.runPipe(ctx, s, cmd, req)
	default:
		starter := c.starter
		if starter == nil {
			starter = target.NewLocal()
		}
		res = c.runPipe(ctx, starter, cmd, req)
	}

	slog.Info("claude round finished",
		"backend", kind,
		"status", res.Status,
		"session_id", res.SessionID,
		"cost_usd", res.CostUSD,
		"num_turns", res.NumTurns,
	)
	return res
}

// environ is the current environment without CLAUDECODE, which makes the
// CLI refuse to start when the bridge itself runs inside Claude Code.
func environ() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

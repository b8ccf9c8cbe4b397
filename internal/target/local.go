package target

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Local runs commands on this machine.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

// Execute runs cmd with stdout and stderr merged. A non-zero exit is not an
// error; the caller reads the output.
func (l *Local) Execute(ctx context.Context, cmd []string, stdin *string, dir string, timeout time.Duration) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = ExpandHome(dir)
	if stdin != nil {
		c.Stdin = strings.NewReader(*stdin)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	if ctx.Err() != nil {
		return out.String(), fmt.Errorf("run %s: %w", cmd[0], ctx.Err())
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", fmt.Errorf("run %s: %w", cmd[0], err)
		}
		slog.Debug("local command exited non-zero", "cmd", cmd[0], "error", err)
	}
	return out.String(), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}

package target

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sprites runs commands in a Sprites sandbox through its HTTP exec API.
type Sprites struct {
	vm     VM
	client *http.Client
}

type SpritesOption func(*Sprites)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SpritesOption {
	return func(s *Sprites) {
		if c != nil {
			s.client = c
		}
	}
}

func NewSprites(vm VM, opts ...SpritesOption) *Sprites {
	s := &Sprites{vm: vm, client: http.DefaultClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sprites) Execute(ctx context.Context, cmd []string, stdin *string, dir string, timeout time.Duration) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u, err := ExecURL(s.vm, cmd, dir, stdin != nil)
	if err != nil {
		return "", err
	}
	var body io.Reader
	if stdin != nil {
		body = strings.NewReader(*stdin)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return "", fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.vm.APIToken)

	slog.Info("sprites exec", "vm", s.vm.Name, "cmd", cmd, "dir", dir)
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sprites exec: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read exec response: %w", err)
	}
	slog.Info("sprites exec done", "status", resp.StatusCode, "length", len(data))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sprites exec: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}

// Package target runs commands where an agent works: on this machine, on an
// SSH host, or inside a Sprites sandbox.
package target

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultEndpoint is the Sprites API used when a VM sets none.
const DefaultEndpoint = "https://api.sprites.dev"

// SSHPrefix marks a VM name as an SSH target: ssh:[user@]host[:port].
const SSHPrefix = "ssh:"

type Kind string

const (
	KindLocal   Kind = "local"
	KindSSH     Kind = "ssh"
	KindSprites Kind = "sprites"
)

// VM is the execution configuration of a chat. Which backend is used
// depends only on which fields are populated.
type VM struct {
	Name     string
	APIToken string
	WorkDir  string
	Endpoint string
}

// Kind selects the backend: no token means local, an ssh: name means SSH,
// anything else is a Sprites sandbox.
func (v VM) Kind() Kind {
	switch {
	case v.APIToken == "":
		return KindLocal
	case strings.HasPrefix(v.Name, SSHPrefix):
		return KindSSH
	default:
		return KindSprites
	}
}

func (v VM) GetEndpoint() string {
	if v.Endpoint == "" {
		return DefaultEndpoint
	}
	return strings.TrimRight(v.Endpoint, "/")
}

// Executor runs one command to completion and returns its output.
// stdin is nil when the command reads no input.
type Executor interface {
	Execute(ctx context.Context, cmd []string, stdin *string, dir string, timeout time.Duration) (string, error)
}

// New returns the executor for vm.
func New(vm VM) (Executor, error) {
	switch vm.Kind() {
	case KindLocal:
		return NewLocal(), nil
	case KindSSH:
		return NewSSH(vm)
	default:
		return NewSprites(vm), nil
	}
}

// SSHTarget is a parsed ssh: VM name.
type SSHTarget struct {
	User string
	Host string
	Port int
}

func (t SSHTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ParseSSHTarget parses "ssh:[user@]host[:port]". The port defaults to 22.
func ParseSSHTarget(name string) (SSHTarget, error) {
	raw, ok := strings.CutPrefix(name, SSHPrefix)
	if !ok {
		return SSHTarget{}, fmt.Errorf("not an ssh target: %q", name)
	}
	t := SSHTarget{Port: 22}
	if user, rest, found := strings.Cut(raw, "@"); found {
		t.User = user
		raw = rest
	}
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		port, err := strconv.Atoi(raw[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return SSHTarget{}, fmt.Errorf("invalid ssh port in %q", name)
		}
		t.Port = port
		raw = raw[:i]
	}
	if raw == "" {
		return SSHTarget{}, fmt.Errorf("missing ssh host in %q", name)
	}
	t.Host = raw
	return t, nil
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellCommand renders cmd as one shell line, prefixed with a cd into dir
// when dir is set.
func ShellCommand(cmd []string, dir string) string {
	quoted := make([]string, len(cmd))
	for i, c := range cmd {
		quoted[i] = ShellQuote(c)
	}
	line := strings.Join(quoted, " ")
	if dir != "" {
		line = "cd " + ShellQuote(dir) + " && " + line
	}
	return line
}

// ExecURL builds the Sprites exec endpoint for vm. Each argument becomes
// one cmd query value.
func ExecURL(vm VM, cmd []string, dir string, stdin bool) (*url.URL, error) {
	u, err := url.Parse(vm.GetEndpoint())
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sprites/" + url.PathEscape(vm.Name) + "/exec"

	q := url.Values{}
	for _, c := range cmd {
		q.Add("cmd", c)
	}
	if dir != "" {
		q.Set("dir", dir)
	}
	if stdin {
		q.Set("stdin", "true")
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// WebsocketURL is ExecURL with the scheme switched to ws or wss.
func WebsocketURL(vm VM, cmd []string, dir string, stdin bool) (*url.URL, error) {
	u, err := ExecURL(vm, cmd, dir, stdin)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u, nil
}

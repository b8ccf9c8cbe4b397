package target

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/user"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 30 * time.Second

// SSH runs commands on a remote host through a fresh connection per call.
type SSH struct {
	vm     VM
	target SSHTarget
	signer ssh.Signer
}

// NewSSH parses the target and the private key held in vm.APIToken.
func NewSSH(vm VM) (*SSH, error) {
	t, err := ParseSSHTarget(vm.Name)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey([]byte(vm.APIToken))
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &SSH{vm: vm, target: t, signer: signer}, nil
}

func (s *SSH) Target() SSHTarget {
	return s.target
}

// Dial opens a client connection. Host keys are not verified: sandbox
// hosts are recreated often and carry no known_hosts entry.
func (s *SSH) Dial(ctx context.Context, timeout time.Duration) (*ssh.Client, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	name := s.target.User
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	cfg := &ssh.ClientConfig{
		User:            name,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", s.target.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.target.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.target.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", s.target.Addr(), err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute runs cmd through the remote shell and returns its stdout. The
// exit status is logged but does not make the call fail.
func (s *SSH) Execute(ctx context.Context, cmd []string, stdin *string, dir string, timeout time.Duration) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := s.Dial(ctx, timeout)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	line := ShellCommand(cmd, dir)
	slog.Info("ssh exec", "host", s.target.Host, "port", s.target.Port, "user", s.target.User, "cmd", line)

	if stdin != nil {
		sess.Stdin = strings.NewReader(*stdin)
	}
	var out bytes.Buffer
	sess.Stdout = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(line) }()

	select {
	case <-ctx.Done():
		client.Close()
		return out.String(), fmt.Errorf("ssh exec: %w", ctx.Err())
	case err := <-done:
		var exitErr *ssh.ExitError
		switch {
		case errors.As(err, &exitErr):
			slog.Info("ssh exec done", "exit_status", exitErr.ExitStatus(), "stdout_len", out.Len())
		case err != nil:
			return "", fmt.Errorf("ssh exec: %w", err)
		default:
			slog.Info("ssh exec done", "exit_status", 0, "stdout_len", out.Len())
		}
		return out.String(), nil
	}
}

package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
)

// Command describes a long-running process to start.
type Command struct {
	Args []string
	Dir  string
	// Env replaces the environment when non-nil. Remote shells ignore it.
	Env []string
}

// Process is a started command with separate stdio streams. The owner must
// read Stdout and Stderr to EOF or call Wait, which releases everything.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the process to stop.
	Terminate() error
	Kill() error
	// Wait blocks until exit. A non-zero exit is reported through the code,
	// not the error.
	Wait() (int, error)
}

// Starter starts streaming processes.
type Starter interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// Start launches cmd on this machine with piped stdio.
func (l *Local) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = ExpandHome(cmd.Dir)
	c.Env = cmd.Env
	// Context cancellation terminates gracefully like an interrupt.
	c.Cancel = func() error { return c.Process.Signal(syscall.SIGTERM) }

	p := &execProcess{cmd: c}
	var err error
	if p.stdin, err = c.StdinPipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdout, err = c.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if p.stderr, err = c.StderrPipe(); err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	code     int
	waitErr  error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Terminate() error {
	return ignoreFinished(p.cmd.Process.Signal(syscall.SIGTERM))
}

func (p *execProcess) Kill() error {
	return ignoreFinished(p.cmd.Process.Kill())
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.waitErr = err
		}
	})
	return p.code, p.waitErr
}

func ignoreFinished(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Start runs cmd through the remote shell on a dedicated connection that is
// closed when the process is waited for.
func (s *SSH) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	client, err := s.Dial(ctx, 0)
	if err != nil {
		return nil, err
	}
	p, err := startSession(client, ShellCommand(cmd.Args, cmd.Dir))
	if err != nil {
		client.Close()
		return nil, err
	}
	if cmd.Env != nil {
		slog.Debug("ssh process ignores environment override", "host", s.target.Host)
	}
	return p, nil
}

func startSession(client *ssh.Client, line string) (*sshProcess, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	p := &sshProcess{client: client, sess: sess}
	if p.stdin, err = sess.StdinPipe(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdout, err = sess.StdoutPipe(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if p.stderr, err = sess.StderrPipe(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}
	return p, nil
}

type sshProcess struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	code     int
	waitErr  error
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }
func (p *sshProcess) Stderr() io.Reader     { return p.stderr }

// Terminate sends SIGTERM and closes the session, since many servers do not
// deliver signals.
func (p *sshProcess) Terminate() error {
	_ = p.sess.Signal(ssh.SIGTERM)
	return ignoreClosed(p.sess.Close())
}

func (p *sshProcess) Kill() error {
	_ = p.sess.Signal(ssh.SIGKILL)
	return ignoreClosed(p.client.Close())
}

func (p *sshProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.sess.Wait()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitStatus()
		default:
			p.code = -1
			p.waitErr = err
		}
		p.client.Close()
	})
	return p.code, p.waitErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Package git reads the branch and working tree state of a chat's work
// directory through whichever target runs the agent.
package git

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yagent/agent-bridge/internal/target"
)

// ErrNotRepo is returned when the directory is not inside a git work tree.
var ErrNotRepo = errors.New("not a git repository")

const defaultTimeout = 10 * time.Second

// Status is the summary shown by /status.
type Status struct {
	Branch    string // "HEAD" when detached
	Head      string // short commit hash, empty before the first commit
	Upstream  string
	Ahead     int
	Behind    int
	Changed   int // tracked entries with staged or unstaged changes
	Untracked int
}

func (s Status) Dirty() bool {
	return s.Changed > 0 || s.Untracked > 0
}

// String renders e.g. "main@1a2b3c4 (+1/-0 origin/main, 2 changed)".
func (s Status) String() string {
	var b strings.Builder
	b.WriteString(s.Branch)
	if s.Head != "" {
		b.WriteString("@" + s.Head)
	}
	var extra []string
	if s.Upstream != "" {
		extra = append(extra, fmt.Sprintf("+%d/-%d %s", s.Ahead, s.Behind, s.Upstream))
	}
	if s.Changed > 0 {
		extra = append(extra, fmt.Sprintf("%d changed", s.Changed))
	}
	if s.Untracked > 0 {
		extra = append(extra, fmt.Sprintf("%d untracked", s.Untracked))
	}
	if len(extra) > 0 {
		b.WriteString(" (" + strings.Join(extra, ", ") + ")")
	}
	return b.String()
}

// Inspector runs git through an executor, so the same code reads a local
// checkout, an SSH host or a sandbox.
type Inspector struct {
	exec    target.Executor
	timeout time.Duration
}

func NewInspector(exec target.Executor) *Inspector {
	return &Inspector{exec: exec, timeout: defaultTimeout}
}

// Status runs "git status --porcelain=v2 --branch" in dir.
func (i *Inspector) Status(ctx context.Context, dir string) (*Status, error) {
	out, err := i.exec.Execute(ctx, []string{"git", "status", "--porcelain=v2", "--branch"}, nil, dir, i.timeout)
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return ParseStatus(out)
}

// Branch returns just the branch name of dir.
func (i *Inspector) Branch(ctx context.Context, dir string) (string, error) {
	st, err := i.Status(ctx, dir)
	if err != nil {
		return "", err
	}
	return st.Branch, nil
}

// ParseStatus parses porcelain v2 output with branch headers. Output
// without a branch.head header (for example git's "fatal:" message mixed
// into combined output) is ErrNotRepo.
func ParseStatus(out string) (*Status, error) {
	var st Status
	sawHead := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "# branch.oid "):
			oid := strings.TrimPrefix(line, "# branch.oid ")
			if oid != "(initial)" {
				if len(oid) > 7 {
					oid = oid[:7]
				}
				st.Head = oid
			}
		case strings.HasPrefix(line, "# branch.head "):
			sawHead = true
			st.Branch = strings.TrimPrefix(line, "# branch.head ")
			if st.Branch == "(detached)" {
				st.Branch = "HEAD"
			}
		case strings.HasPrefix(line, "# branch.upstream "):
			st.Upstream = strings.TrimPrefix(line, "# branch.upstream ")
		case strings.HasPrefix(line, "# branch.ab "):
			ahead, behind, ok := parseAheadBehind(strings.TrimPrefix(line, "# branch.ab "))
			if ok {
				st.Ahead, st.Behind = ahead, behind
			}
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "), strings.HasPrefix(line, "u "):
			st.Changed++
		case strings.HasPrefix(line, "? "):
			st.Untracked++
		}
	}
	if !sawHead {
		return nil, ErrNotRepo
	}
	return &st, nil
}

// parseAheadBehind parses "+<ahead> -<behind>".
func parseAheadBehind(s string) (int, int, bool) {
	a, b, ok := strings.Cut(s, " ")
	if !ok || !strings.HasPrefix(a, "+") || !strings.HasPrefix(b, "-") {
		return 0, 0, false
	}
	ahead, err := strconv.Atoi(a[1:])
	if err != nil {
		return 0, 0, false
	}
	behind, err := strconv.Atoi(b[1:])
	if err != nil {
		return 0, 0, false
	}
	return ahead, behind, true
}

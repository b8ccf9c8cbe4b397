package llm

import (
	"context"
	"fmt"

	"github.com/yagent/agent-bridge/internal/convert"
	"github.com/yagent/agent-bridge/internal/stream"
)

// round is the state one driver invocation owns: the converter, the
// session id seen so far and the captured result summary.
type round struct {
	req       Request
	conv      *convert.Converter
	sessionID string
	summary   *stream.Event
	delivered int
}

func newRound(req Request, opts ...convert.TranslatorOption) *round {
	return &round{
		req:  req,
		conv: convert.NewConverter(req.LastMessageID, opts...),
	}
}

// handle processes one output line. System and result events are captured;
// everything else is converted and delivered before handle returns.
func (r *round) handle(line string) error {
	ev, ok := stream.Decode(line)
	if !ok {
		return nil
	}
	switch ev.Type {
	case stream.TypeSystem:
		if ev.SessionID != "" {
			r.sessionID = ev.SessionID
		}
		return nil
	case stream.TypeResult:
		r.summary = ev
		return nil
	}
	for _, msg := range r.conv.Event(ev) {
		if r.req.Sink == nil {
			continue
		}
		if err := r.req.Sink(msg); err != nil {
			return fmt.Errorf("deliver message %s: %w", msg.ID, err)
		}
		r.delivered++
	}
	return nil
}

// interrupted reports a stop request from the caller: the predicate or a
// cancelled context.
func (r *round) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.req.Interrupted != nil && r.req.Interrupted()
}

func (r *round) stopped() Result {
	return Result{Status: StatusInterrupted, SessionID: r.sessionID}
}

func (r *round) failed() Result {
	return Result{Status: StatusError, SessionID: r.sessionID}
}

// finish decides the status once the output has ended. A result summary
// wins over the exit code.
func (r *round) finish(exitCode int) Result {
	if s := r.summary; s != nil {
		res := Result{
			Status:     StatusCompleted,
			SessionID:  s.SessionID,
			ResultText: s.Result,
		}
		if res.SessionID == "" {
			res.SessionID = r.sessionID
		}
		if s.IsError {
			res.Status = StatusError
		}
		if s.TotalCostUSD != nil {
			res.CostUSD = *s.TotalCostUSD
		}
		if s.NumTurns != nil {
			res.NumTurns = *s.NumTurns
		}
		return res
	}
	if exitCode != 0 {
		return r.failed()
	}
	return Result{Status: StatusCompleted, SessionID: r.sessionID}
}

package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/asyncstack"
	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// resumeFrom moves a paused session to Running and issues call on the event
// loop, so no native event can be applied in between. A failed call puts the
// pause back; "already running" keeps the session Running.
func (e *Engine) resumeFrom(ctx context.Context, operation string, call func(ctx context.Context, s *session, threadID int) error, wrap func(error) error) (types.SessionInfo, error) {
	s, _, err := e.paused(operation)
	if err != nil {
		return types.SessionInfo{}, err
	}

	var opErr error
	ran := s.post(func() {
		e.mu.Lock()
		prev := s.info
		e.mu.Unlock()
		if prev.State != types.StatePaused {
			opErr = errors.InvalidState(operation, string(prev.State))
			return
		}
		e.update(s, func(info *types.SessionInfo) {
			info.State = types.StateRunning
			info.PauseReason = types.PauseNone
			info.PauseDetail = ""
			info.CurrentLocation = nil
		})
		err := call(ctx, s, prev.ActiveThreadID)
		if err == nil || stderrors.Is(err, native.ErrAlreadyRunning) {
			return
		}
		e.update(s, func(info *types.SessionInfo) {
			info.State = prev.State
			info.PauseReason = prev.PauseReason
			info.PauseDetail = prev.PauseDetail
			info.CurrentLocation = prev.CurrentLocation
		})
		opErr = wrap(err)
	})
	if !ran {
		return types.SessionInfo{}, errors.NoActiveSession()
	}
	if opErr != nil {
		return types.SessionInfo{}, opErr
	}
	e.publishState(s)
	return e.Status(), nil
}

// Continue resumes a paused debuggee.
func (e *Engine) Continue(ctx context.Context) (types.SessionInfo, error) {
	return e.resumeFrom(ctx, "continue",
		func(ctx context.Context, s *session, threadID int) error {
			return s.target.Resume(ctx, threadID)
		},
		func(err error) error {
			return errors.Wrap(errors.CodeInvalidState, fmt.Sprintf("continue failed: %v", err),
				"Use debug_status to check whether the process is still alive.", err)
		})
}

// StepOver steps over the current line.
func (e *Engine) StepOver(ctx context.Context) (types.SessionInfo, error) {
	return e.step(ctx, native.StepOver)
}

// StepInto steps into the call on the current line.
func (e *Engine) StepInto(ctx context.Context) (types.SessionInfo, error) {
	return e.step(ctx, native.StepInto)
}

// StepOut runs until the current method returns.
func (e *Engine) StepOut(ctx context.Context) (types.SessionInfo, error) {
	return e.step(ctx, native.StepOut)
}

func (e *Engine) step(ctx context.Context, kind native.StepKind) (types.SessionInfo, error) {
	return e.resumeFrom(ctx, "step "+kind.String(),
		func(ctx context.Context, s *session, threadID int) error {
			if threadID == 0 {
				return errors.NoThreads()
			}
			return s.target.Step(ctx, threadID, kind)
		},
		func(err error) error {
			return errors.StepFailed(kind.String(), err)
		})
}

// Pause breaks into a running debuggee and waits for the break to land.
func (e *Engine) Pause(ctx context.Context) (types.SessionInfo, error) {
	s, err := e.current()
	if err != nil {
		return types.SessionInfo{}, err
	}
	if st := e.Status().State; st != types.StateRunning {
		return types.SessionInfo{}, errors.InvalidState("pause", string(st))
	}
	start := time.Now()
	if err := offloadErr(ctx, func() error { return s.target.Stop(ctx) }); err != nil {
		return types.SessionInfo{}, errors.Wrap(errors.CodeInvalidState, fmt.Sprintf("pause failed: %v", err),
			"Use debug_status to check whether the process is still alive.", err)
	}
	if !e.waitFor(ctx, s, func(info types.SessionInfo) bool { return info.State != types.StateRunning }) {
		if ctx.Err() != nil {
			return types.SessionInfo{}, errors.Timeout("pause", seconds(time.Since(start)))
		}
	}
	return e.Status(), nil
}

// StackTrace returns the stack of threadID, or of the thread that caused
// the pause when threadID is 0. With includeAsync the physical stack is
// extended with the logical async continuations.
func (e *Engine) StackTrace(ctx context.Context, threadID int, includeAsync bool) ([]types.StackFrame, error) {
	s, info, err := e.paused("read the call stack")
	if err != nil {
		return nil, err
	}
	if threadID == 0 {
		threadID = info.ActiveThreadID
	}
	if threadID == 0 {
		return nil, errors.NoThreads()
	}
	frames, err := s.target.StackFrames(ctx, threadID)
	if err != nil {
		return nil, errors.NoThreads().WithCause(err)
	}
	if !includeAsync {
		return asyncstack.Convert(frames), nil
	}
	return e.walker(s).Extend(ctx, frames), nil
}

// Evaluate evaluates a C# expression in the top frame of threadID, or of
// the thread that caused the pause when threadID is 0.
func (e *Engine) Evaluate(ctx context.Context, expr string, threadID int) (types.EvaluateResult, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return types.EvaluateResult{}, errors.MissingParameter("expression", "C# expression to evaluate")
	}
	s, info, err := e.paused("evaluate")
	if err != nil {
		return types.EvaluateResult{}, err
	}
	if threadID == 0 {
		threadID = info.ActiveThreadID
	}
	res, err := s.target.Evaluate(ctx, threadID, expr)
	if err != nil {
		return types.EvaluateResult{}, errors.EvaluationFailed(expr, err)
	}
	return types.EvaluateResult{
		Expression:         expr,
		Value:              res.Value,
		Type:               res.Type,
		VariablesReference: res.Ref,
	}, nil
}

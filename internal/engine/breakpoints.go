package engine

import (
	"context"

	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// SetBreakpoint records a breakpoint and binds it when a session is
// active. Without a session it stays pending until the next attach or
// launch.
func (e *Engine) SetBreakpoint(ctx context.Context, req types.BreakpointRequest) (types.Breakpoint, error) {
	bp, err := e.registry.Add(req)
	if err != nil {
		return types.Breakpoint{}, err
	}
	s, err := e.current()
	if err != nil {
		return bp, nil
	}
	return e.bind(ctx, s, bp), nil
}

// RemoveBreakpoint deletes a breakpoint and its native binding.
func (e *Engine) RemoveBreakpoint(ctx context.Context, id string) error {
	_, nativeID, err := e.registry.Remove(id)
	if err != nil {
		return err
	}
	e.unbind(ctx, id, nativeID)
	return nil
}

// EnableBreakpoint enables or disables a breakpoint. A disabled breakpoint
// is removed from the debuggee but kept in the table.
func (e *Engine) EnableBreakpoint(ctx context.Context, id string, enabled bool) (types.Breakpoint, error) {
	bp, nativeID, err := e.registry.SetEnabled(id, enabled)
	if err != nil {
		return types.Breakpoint{}, err
	}
	if !enabled {
		e.unbind(ctx, id, nativeID)
		return bp, nil
	}
	if s, err := e.current(); err == nil && e.registry.NativeID(id) == 0 {
		bp = e.bind(ctx, s, bp)
	}
	return bp, nil
}

// Breakpoints lists every breakpoint in creation order.
func (e *Engine) Breakpoints() []types.Breakpoint {
	return e.registry.List()
}

// Breakpoint returns one breakpoint.
func (e *Engine) Breakpoint(id string) (types.Breakpoint, error) {
	bp, ok := e.registry.Get(id)
	if !ok {
		return types.Breakpoint{}, errors.BreakpointNotFound(id)
	}
	return bp, nil
}

// ClearBreakpoints removes every breakpoint.
func (e *Engine) ClearBreakpoints(ctx context.Context) {
	for id, nativeID := range e.registry.Clear() {
		e.unbind(ctx, id, nativeID)
	}
}

// bind installs bp in the debuggee. Backend failures leave the breakpoint
// pending with the failure as its message.
func (e *Engine) bind(ctx context.Context, s *session, bp types.Breakpoint) types.Breakpoint {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	if e.registry.NativeID(bp.ID) != 0 {
		cur, _ := e.registry.Get(bp.ID)
		return cur
	}
	bound, err := s.target.SetBreakpoint(ctx, native.Location{
		File:   bp.Location.File,
		Line:   bp.Location.Line,
		Column: bp.Location.Column,
	})
	if err != nil {
		e.log.Warnf("binding breakpoint %s at %s:%d: %v", bp.ID, bp.Location.File, bp.Location.Line, err)
		bp.Message = err.Error()
		return bp
	}
	if updated, ok := e.registry.Bind(bp.ID, bound); ok {
		return updated
	}
	// removed while binding
	if err := s.target.RemoveBreakpoint(ctx, bound.ID); err != nil {
		e.log.Debugf("removing orphaned native breakpoint %d: %v", bound.ID, err)
	}
	return bp
}

// bindPending binds every enabled breakpoint that has no native binding yet.
func (e *Engine) bindPending(s *session) {
	for _, bp := range e.registry.Pending() {
		e.bind(s.ctx, s, bp)
	}
}

// rebind re-installs every enabled breakpoint that is not verified yet,
// including those already holding an unverified native binding.
func (e *Engine) rebind(s *session) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	for _, bp := range e.registry.Unverified() {
		bound, err := s.target.SetBreakpoint(s.ctx, native.Location{
			File:   bp.Location.File,
			Line:   bp.Location.Line,
			Column: bp.Location.Column,
		})
		if err != nil {
			e.log.Debugf("rebinding breakpoint %s: %v", bp.ID, err)
			continue
		}
		if updated, ok := e.registry.Bind(bp.ID, bound); ok {
			if updated.Verified {
				e.log.Debugf("breakpoint %s verified at line %d", bp.ID, updated.Location.Line)
			}
			continue
		}
		if err := s.target.RemoveBreakpoint(s.ctx, bound.ID); err != nil {
			e.log.Debugf("removing orphaned native breakpoint %d: %v", bound.ID, err)
		}
	}
}

func (e *Engine) unbind(ctx context.Context, id string, nativeID int) {
	if nativeID == 0 {
		return
	}
	s, err := e.current()
	if err != nil {
		return
	}
	if err := s.target.RemoveBreakpoint(ctx, nativeID); err != nil {
		e.log.Warnf("removing breakpoint %s: %v", id, err)
	}
}

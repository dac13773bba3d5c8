package engine

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/internal/symbols"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// apply is the single transition function of the session. It runs on the
// event loop goroutine only.
//
// Every suspended event that does not leave the session paused is resumed
// here; the debuggee thread stays blocked otherwise.
func (e *Engine) apply(s *session, ev native.Event) {
	switch ev.Kind {
	case native.EventBreakpoint:
		e.onBreakpoint(s, ev)
	case native.EventException:
		e.pause(s, ev, types.PauseException, ev.Message, "")
	case native.EventStepComplete:
		e.pause(s, ev, types.PauseStep, "", "")
	case native.EventBreak:
		e.pause(s, ev, types.PausePause, "", "")
	case native.EventEntry:
		if s.stopAtEntry {
			e.pause(s, ev, types.PauseEntry, "", "")
		} else {
			e.resume(s, ev)
		}
		s.enterOnce.Do(func() { close(s.entered) })
	case native.EventModuleLoaded:
		e.onModuleLoaded(s, ev)
		e.resume(s, ev)
	case native.EventAppDomainCreated:
		if err := s.target.AttachAppDomain(s.ctx, ev.AppDomainID); err != nil {
			e.log.Warnf("attaching to app domain %d: %v", ev.AppDomainID, err)
		}
		e.resume(s, ev)
	case native.EventBreakpointChanged:
		if ev.Bound != nil {
			if bp, ok := e.registry.UpdateNative(*ev.Bound); ok {
				e.log.Debugf("breakpoint %s is now %s", bp.ID, bp.State)
			}
		}
		e.resume(s, ev)
	case native.EventOutput:
		e.notifier.Notify(types.Notification{
			Kind:      types.NotifyOutput,
			Message:   ev.Message,
			Timestamp: time.Now(),
		})
		e.resume(s, ev)
	case native.EventProcessExited:
		e.teardown(s, fmt.Sprintf("process exited with code %d", ev.ExitCode))
	default:
		e.resume(s, ev)
	}
}

// resume releases a suspended event. A target that is already running is
// not an error.
func (e *Engine) resume(s *session, ev native.Event) {
	if !ev.Suspended {
		return
	}
	if err := s.target.Resume(s.ctx, ev.ThreadID); err != nil && !stderrors.Is(err, native.ErrAlreadyRunning) {
		e.log.Warnf("resuming after %s: %v", ev.Kind, err)
	}
}

func (e *Engine) pause(s *session, ev native.Event, reason types.PauseReason, detail, breakpointID string) {
	info := e.update(s, func(info *types.SessionInfo) {
		info.State = types.StatePaused
		info.PauseReason = reason
		info.PauseDetail = detail
		info.CurrentLocation = toSource(ev.Location)
		if ev.ThreadID != 0 {
			info.ActiveThreadID = ev.ThreadID
		}
	})
	e.log.Debugf("paused (%s) on thread %d", reason, info.ActiveThreadID)
	e.notifier.Notify(types.Notification{
		Kind:         types.NotifyStateChanged,
		State:        info.State,
		Reason:       reason,
		Location:     info.CurrentLocation,
		ThreadID:     info.ActiveThreadID,
		BreakpointID: breakpointID,
		Message:      detail,
		Timestamp:    time.Now(),
	})
}

func (e *Engine) onBreakpoint(s *session, ev native.Event) {
	id, ok := e.registry.Match(ev.NativeBreakpointIDs, ev.Location)
	if !ok {
		e.log.Debugf("stop at unknown breakpoint %v, resuming", ev.NativeBreakpointIDs)
		e.resume(s, ev)
		return
	}
	d, ok := e.registry.Hit(s.ctx, id, ev.ThreadID, s.evaluator)
	if !ok {
		e.resume(s, ev)
		return
	}
	if d.Disabled && d.NativeID != 0 {
		if err := s.target.RemoveBreakpoint(s.ctx, d.NativeID); err != nil {
			e.log.Warnf("removing exhausted breakpoint %s: %v", id, err)
		}
	}
	if d.Notify && d.Breakpoint.Type == types.BreakpointTracepoint {
		e.notifier.Notify(types.Notification{
			Kind:         types.NotifyTracepoint,
			Location:     toSource(ev.Location),
			ThreadID:     ev.ThreadID,
			BreakpointID: id,
			Message:      d.Message,
			Timestamp:    time.Now(),
		})
	}
	if !d.Pause {
		e.resume(s, ev)
		return
	}
	if d.Message != "" {
		e.notifier.Notify(types.Notification{
			Kind:         types.NotifyBreakpointHit,
			Location:     toSource(ev.Location),
			ThreadID:     ev.ThreadID,
			BreakpointID: id,
			Message:      d.Message,
			Timestamp:    time.Now(),
		})
	}
	e.pause(s, ev, types.PauseBreakpoint, "", id)
}

func (e *Engine) onModuleLoaded(s *session, ev native.Event) {
	path := ev.ModulePath
	if path == "" {
		return
	}
	key := symbols.NormalizePath(path)
	e.mu.Lock()
	fresh := !s.seen[key]
	if fresh {
		s.seen[key] = true
		s.modules = append(s.modules, path)
	}
	e.mu.Unlock()
	if !fresh {
		return
	}

	if e.symbols != nil {
		go e.resolveModule(s, path)
	}
	e.bindPending(s)
}

// resolveModule resolves the PDB of a loaded module in the background.
// Once symbols are available, breakpoints still unverified are sent again
// from the event loop.
func (e *Engine) resolveModule(s *session, path string) {
	st, err := e.symbols.Resolve(s.ctx, path)
	if err != nil {
		e.log.Debugf("symbols for %s: %v", path, err)
		return
	}
	e.log.Debugf("symbols for %s: %s", path, st.Status)
	if st.Status != types.SymbolLoaded {
		return
	}
	s.post(func() { e.rebind(s) })
}

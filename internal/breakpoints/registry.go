// Package breakpoints keeps the breakpoint table and decides, for each
// physical hit, whether the debuggee should stay paused.
//
// A hit always increments HitCount. The condition is then evaluated; a
// false condition resumes. HitCountMultiple N notifies only every Nth hit
// and MaxNotifications M disables the breakpoint after the Mth
// notification. Tracepoints notify but never pause.
package breakpoints

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

type entry struct {
	bp       types.Breakpoint
	nativeID int
}

// Registry is the breakpoint table for one engine.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add records a new pending breakpoint.
func (r *Registry) Add(req types.BreakpointRequest) (types.Breakpoint, error) {
	if req.File == "" {
		return types.Breakpoint{}, errors.MissingParameter("file", "source file path for the breakpoint")
	}
	if req.Line <= 0 {
		return types.Breakpoint{}, errors.InvalidParameter("line", req.Line, "a positive line number")
	}
	if req.HitCountMultiple < 0 {
		return types.Breakpoint{}, errors.InvalidParameter("hitCountMultiple", req.HitCountMultiple, "zero or a positive integer")
	}
	if req.MaxNotifications < 0 {
		return types.Breakpoint{}, errors.InvalidParameter("maxNotifications", req.MaxNotifications, "zero or a positive integer")
	}

	typ := req.Type
	switch typ {
	case "":
		typ = types.BreakpointBlocking
		if req.LogMessage != "" {
			typ = types.BreakpointTracepoint
		}
	case types.BreakpointBlocking, types.BreakpointTracepoint:
	default:
		return types.Breakpoint{}, errors.InvalidParameter("type", req.Type, "'blocking' or 'tracepoint'")
	}

	bp := types.Breakpoint{
		ID:               uuid.New().String(),
		Location:         types.SourceLocation{File: req.File, Line: req.Line, Column: req.Column},
		State:            types.BreakpointPending,
		Enabled:          true,
		Type:             typ,
		Condition:        strings.TrimSpace(req.Condition),
		LogMessage:       req.LogMessage,
		HitCountMultiple: req.HitCountMultiple,
		MaxNotifications: req.MaxNotifications,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[bp.ID] = &entry{bp: bp}
	r.order = append(r.order, bp.ID)
	return bp, nil
}

// Remove deletes a breakpoint and returns its last record and native id.
func (r *Registry) Remove(id string) (types.Breakpoint, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.Breakpoint{}, 0, errors.BreakpointNotFound(id)
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e.bp, e.nativeID, nil
}

// Get returns a breakpoint by id.
func (r *Registry) Get(id string) (types.Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.Breakpoint{}, false
	}
	return e.bp, true
}

// NativeID returns the backend id a breakpoint is bound to, or 0.
func (r *Registry) NativeID(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.nativeID
	}
	return 0
}

// List returns all breakpoints in creation order.
func (r *Registry) List() []types.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Breakpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].bp)
	}
	return out
}

// Pending returns enabled breakpoints not yet bound to code.
func (r *Registry) Pending() []types.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Breakpoint
	for _, id := range r.order {
		e := r.entries[id]
		if e.bp.Enabled && e.nativeID == 0 {
			out = append(out, e.bp)
		}
	}
	return out
}

// Unverified returns enabled breakpoints the backend has not verified,
// whether or not they hold a native binding.
func (r *Registry) Unverified() []types.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Breakpoint
	for _, id := range r.order {
		if e := r.entries[id]; e.bp.Enabled && !e.bp.Verified {
			out = append(out, e.bp)
		}
	}
	return out
}

// SetEnabled enables or disables a breakpoint. It returns the updated
// record and the native id that must be removed when disabling.
func (r *Registry) SetEnabled(id string, enabled bool) (types.Breakpoint, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.Breakpoint{}, 0, errors.BreakpointNotFound(id)
	}
	nativeID := e.nativeID
	e.bp.Enabled = enabled
	if enabled {
		if e.nativeID == 0 {
			e.bp.State = types.BreakpointPending
		}
		// re-enabling starts a fresh notification budget
		e.bp.NotificationsSent = 0
	} else {
		e.bp.State = types.BreakpointDisabled
		e.bp.Verified = false
		e.nativeID = 0
	}
	return e.bp, nativeID, nil
}

// Bind records the result of installing a breakpoint in the backend.
func (r *Registry) Bind(id string, b native.BoundBreakpoint) (types.Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.Breakpoint{}, false
	}
	e.nativeID = b.ID
	e.bp.Message = b.Message
	e.bp.Verified = b.Verified
	if b.Verified {
		e.bp.State = types.BreakpointBound
		if b.Line > 0 {
			e.bp.Location.Line = b.Line
		}
	} else {
		e.bp.State = types.BreakpointPending
	}
	return e.bp, true
}

// UpdateNative applies a later verification report from the backend, such
// as a pending breakpoint binding when its module loads.
func (r *Registry) UpdateNative(b native.BoundBreakpoint) (types.Breakpoint, bool) {
	r.mu.Lock()
	id := ""
	for _, o := range r.order {
		if r.entries[o].nativeID == b.ID && b.ID != 0 {
			id = o
			break
		}
	}
	r.mu.Unlock()
	if id == "" {
		return types.Breakpoint{}, false
	}
	return r.Bind(id, b)
}

// ResetBindings marks every breakpoint unbound, as after the session ends.
// Breakpoints survive to be bound again by the next session.
func (r *Registry) ResetBindings() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.nativeID = 0
		e.bp.Verified = false
		if e.bp.Enabled {
			e.bp.State = types.BreakpointPending
		}
	}
}

// Clear removes every breakpoint and returns the native ids of those that
// were bound, keyed by breakpoint id.
func (r *Registry) Clear() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	bound := make(map[string]int)
	for id, e := range r.entries {
		if e.nativeID != 0 {
			bound[id] = e.nativeID
		}
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	return bound
}

// Match finds the breakpoint a stop belongs to, by native id first and
// then by source location.
func (r *Registry) Match(nativeIDs []int, loc *native.Location) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nid := range nativeIDs {
		for _, id := range r.order {
			if e := r.entries[id]; e.nativeID != 0 && e.nativeID == nid {
				return id, true
			}
		}
	}
	if loc == nil || loc.File == "" {
		return "", false
	}
	for _, id := range r.order {
		e := r.entries[id]
		if e.bp.Enabled && e.bp.Location.Line == loc.Line && samePath(e.bp.Location.File, loc.File) {
			return id, true
		}
	}
	return "", false
}

func samePath(a, b string) bool {
	a, b = filepath.ToSlash(filepath.Clean(a)), filepath.ToSlash(filepath.Clean(b))
	if strings.EqualFold(a, b) {
		return true
	}
	// the backend may report a full path for a relative request
	return strings.HasSuffix(strings.ToLower(b), "/"+strings.ToLower(strings.TrimPrefix(a, "./")))
}

// Decision is the outcome of one hit.
type Decision struct {
	Pause  bool
	Notify bool
	// Message is the rendered log message for notifying hits.
	Message string
	// Disabled is true on the hit that exhausted MaxNotifications.
	Disabled   bool
	NativeID   int
	Breakpoint types.Breakpoint
}

// Hit applies the hit policy to breakpoint id. ok is false when the
// breakpoint no longer exists.
func (r *Registry) Hit(ctx context.Context, id string, threadID int, ev *Evaluator) (d Decision, ok bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Decision{}, false
	}
	if !e.bp.Enabled {
		d.Breakpoint = e.bp
		r.mu.Unlock()
		return d, true
	}
	e.bp.HitCount++
	bp := e.bp
	r.mu.Unlock()

	hit := Hit{HitCount: bp.HitCount, ThreadID: threadID}
	if ev != nil && !ev.Condition(ctx, bp.Condition, hit) {
		d.Breakpoint = bp
		return d, true
	}

	n := bp.HitCountMultiple
	if n <= 0 {
		n = 1
	}
	if bp.HitCount%n != 0 {
		d.Breakpoint = bp
		return d, true
	}

	r.mu.Lock()
	if e, ok = r.entries[id]; !ok {
		r.mu.Unlock()
		return Decision{}, false
	}
	e.bp.NotificationsSent++
	if e.bp.MaxNotifications > 0 && e.bp.NotificationsSent >= e.bp.MaxNotifications && e.bp.Enabled {
		e.bp.Enabled = false
		e.bp.State = types.BreakpointDisabled
		e.bp.Verified = false
		d.Disabled = true
		d.NativeID = e.nativeID
		e.nativeID = 0
	}
	d.Breakpoint = e.bp
	r.mu.Unlock()

	d.Notify = true
	d.Pause = bp.Type == types.BreakpointBlocking
	if bp.LogMessage != "" && ev != nil {
		d.Message = ev.LogMessage(ctx, bp.LogMessage, hit)
	}
	return d, true
}

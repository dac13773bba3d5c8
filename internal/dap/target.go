package dap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/asyncstack"
	"github.com/ctagard/clrdbg-mcp/internal/native"
)

// Variable groups netcoredbg nests under an object's children.
var memberGroups = []string{"Non-Public members", "Static members"}

// target is a native.Target backed by one netcoredbg connection.
type target struct {
	log    *logrus.Entry
	conn   *conn
	client *Client

	sinkMu sync.Mutex
	sink   chan<- native.Event

	closed    chan struct{}
	closeOnce sync.Once

	// symbolPaths is fixed before launch or attach.
	symbolPaths []string

	mu         sync.Mutex
	runtime    native.RuntimeInstance
	pid        int
	lastThread int
	modules    map[string]string
	coreLib    string
	exited     bool
	// startup is pending until the first entry stop of a launched process.
	startup func(native.RuntimeInstance, bool)
	// entry is the swallowed entry stop, replayed by AttachLaunched.
	entry *native.Event

	// DAP replaces breakpoints per file, so the full line list of every
	// file is kept in request order alongside the ids netcoredbg returned.
	bpMu  sync.Mutex
	lines map[string][]int
	ids   map[string][]int
}

func newTarget(log *logrus.Entry) *target {
	return &target{
		log:     log,
		closed:  make(chan struct{}),
		modules: make(map[string]string),
		lines:   make(map[string][]int),
		ids:     make(map[string][]int),
	}
}

func (t *target) connect(ctx context.Context, a *Adapter) error {
	c, err := a.open(ctx, t.handleEvent)
	if err != nil {
		return err
	}
	t.conn = c
	t.client = c.client

	ctx, cancel := t.bounded(ctx)
	defer cancel()
	if _, err := t.client.Initialize(ctx, clientID); err != nil {
		_ = c.close()
		return fmt.Errorf("netcoredbg initialize: %w", err)
	}
	return nil
}

// bounded applies the client's default timeout to a context without a deadline.
func (t *target) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.client.timeout)
}

// configure finishes the launch or attach handshake.
func (t *target) configure(ctx context.Context, pending *Pending) error {
	if err := t.client.WaitInitialized(ctx); err != nil {
		return err
	}
	if err := t.client.SetExceptionBreakpoints(ctx, []string{"user-unhandled"}); err != nil {
		t.log.Warnf("setExceptionBreakpoints: %v", err)
	}
	if err := t.client.ConfigurationDone(ctx); err != nil {
		return err
	}
	return pending.Wait(ctx)
}

func (t *target) setSink(sink chan<- native.Event) {
	t.sinkMu.Lock()
	t.sink = sink
	t.sinkMu.Unlock()
}

func (t *target) emit(ev native.Event) {
	t.sinkMu.Lock()
	sink := t.sink
	t.sinkMu.Unlock()
	if sink == nil {
		t.log.Debugf("no sink, dropping %s event", ev.Kind)
		return
	}
	select {
	case sink <- ev:
	case <-t.closed:
	}
}

func (t *target) processID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// handleEvent runs on the client's dispatcher goroutine. It may issue
// requests because responses are routed by the read loop.
func (t *target) handleEvent(msg dap.Message) {
	switch m := msg.(type) {
	case *dap.StoppedEvent:
		t.onStopped(m)
	case *dap.ModuleEvent:
		if m.Body.Reason != "new" {
			return
		}
		path := m.Body.Module.Path
		t.mu.Lock()
		t.modules[fmt.Sprint(m.Body.Module.Id)] = path
		if strings.EqualFold(baseName(path), "System.Private.CoreLib.dll") {
			t.coreLib = path
		}
		t.mu.Unlock()
		t.emit(native.Event{Kind: native.EventModuleLoaded, ModulePath: path})
	case *dap.ThreadEvent:
		kind := native.EventThreadStarted
		if m.Body.Reason == "exited" {
			kind = native.EventThreadExited
		}
		t.emit(native.Event{Kind: kind, ThreadID: m.Body.ThreadId})
	case *dap.ProcessEvent:
		if m.Body.SystemProcessId > 0 {
			t.mu.Lock()
			t.pid = m.Body.SystemProcessId
			t.mu.Unlock()
		}
	case *dap.ExitedEvent:
		t.exit(m.Body.ExitCode)
	case *dap.TerminatedEvent:
		t.exit(0)
	case *dap.BreakpointEvent:
		if m.Body.Reason != "changed" || m.Body.Breakpoint.Id == 0 {
			return
		}
		b := m.Body.Breakpoint
		t.emit(native.Event{Kind: native.EventBreakpointChanged, Bound: &native.BoundBreakpoint{
			ID:       b.Id,
			Verified: b.Verified,
			Line:     b.Line,
			Message:  b.Message,
		}})
	case *dap.OutputEvent:
		if m.Body.Category == "telemetry" {
			return
		}
		t.emit(native.Event{Kind: native.EventOutput, Message: m.Body.Output})
	default:
		t.log.Debugf("ignoring %T", msg)
	}
}

func stopKind(reason string) native.EventKind {
	switch reason {
	case "breakpoint", "function breakpoint", "data breakpoint":
		return native.EventBreakpoint
	case "exception":
		return native.EventException
	case "step":
		return native.EventStepComplete
	case "entry":
		return native.EventEntry
	}
	return native.EventBreak
}

func (t *target) onStopped(m *dap.StoppedEvent) {
	ev := native.Event{
		Kind:                stopKind(m.Body.Reason),
		ThreadID:            m.Body.ThreadId,
		NativeBreakpointIDs: m.Body.HitBreakpointIds,
		Suspended:           true,
	}
	if ev.Kind == native.EventException {
		ev.Message = m.Body.Text
		if ev.Message == "" {
			ev.Message = m.Body.Description
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.client.timeout)
	defer cancel()
	ev.Location = t.topLocation(ctx, ev.ThreadID)

	t.mu.Lock()
	t.lastThread = ev.ThreadID
	startup := t.startup
	if ev.Kind == native.EventEntry {
		t.startup = nil
	} else {
		startup = nil
	}
	t.mu.Unlock()

	if startup != nil {
		rt := t.launchedRuntime(ctx, ev.ThreadID)
		t.mu.Lock()
		t.runtime = rt
		t.entry = &ev
		t.mu.Unlock()
		t.log.Debugf("launched process %d reached entry (%s)", rt.PID, rt)
		startup(rt, true)
		return
	}
	t.emit(ev)
}

// launchedRuntime identifies the runtime of a process stopped at entry.
func (t *target) launchedRuntime(ctx context.Context, threadID int) native.RuntimeInstance {
	pid := t.processID()
	if pid == 0 {
		for _, expr := range []string{"System.Environment.ProcessId", "System.Diagnostics.Process.GetCurrentProcess().Id"} {
			res, err := t.Evaluate(ctx, threadID, expr)
			if err != nil {
				continue
			}
			if n, ok := parseProcessID(res.Value); ok {
				pid = n
				break
			}
		}
		t.mu.Lock()
		t.pid = pid
		t.mu.Unlock()
	}

	t.mu.Lock()
	coreLib := t.coreLib
	t.mu.Unlock()
	if coreLib == "" {
		if mods, err := t.client.Modules(ctx); err == nil {
			for _, m := range mods {
				if strings.EqualFold(baseName(m.Path), "System.Private.CoreLib.dll") {
					coreLib = m.Path
					break
				}
			}
		}
	}
	if rt, ok := runtimeFromModule(pid, coreLib); ok {
		return rt
	}
	return native.RuntimeInstance{PID: pid}
}

func (t *target) exit(code int) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	startup := t.startup
	t.startup = nil
	t.mu.Unlock()

	if startup != nil {
		startup(native.RuntimeInstance{}, false)
	}
	t.emit(native.Event{Kind: native.EventProcessExited, ExitCode: code})
}

func (t *target) moduleFor(id interface{}) string {
	if id == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modules[fmt.Sprint(id)]
}

func (t *target) topLocation(ctx context.Context, threadID int) *native.Location {
	frames, err := t.client.StackTrace(ctx, threadID, 0, 1)
	if err != nil || len(frames) == 0 {
		return nil
	}
	return t.location(frames[0])
}

func (t *target) location(f dap.StackFrame) *native.Location {
	loc := &native.Location{
		Line:     f.Line,
		Column:   f.Column,
		Function: f.Name,
		Module:   t.moduleFor(f.ModuleId),
	}
	if f.Source != nil {
		loc.File = f.Source.Path
	}
	return loc
}

func (t *target) topFrameID(ctx context.Context, threadID int) (int, error) {
	frames, err := t.client.StackTrace(ctx, threadID, 0, 1)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("thread %d has no frames", threadID)
	}
	return frames[0].Id, nil
}

// mapErr converts netcoredbg's "process is running" failures to
// native.ErrAlreadyRunning.
func mapErr(err error) error {
	var re *ResponseError
	if !errors.As(err, &re) {
		return err
	}
	msg := strings.ToLower(re.Message)
	for _, s := range []string{"already running", "is running", "not synchronized", "0x80131302"} {
		if strings.Contains(msg, s) {
			return native.ErrAlreadyRunning
		}
	}
	return err
}

// symbolOptions is the coreclr symbolOptions block for the target's PDB
// search paths, or nil when there are none.
func (t *target) symbolOptions() map[string]interface{} {
	if len(t.symbolPaths) == 0 {
		return nil
	}
	return map[string]interface{}{
		"searchPaths":                 t.symbolPaths,
		"searchMicrosoftSymbolServer": false,
	}
}

// Attach attaches netcoredbg to a running process
func (t *target) Attach(ctx context.Context, pid int) error {
	args := map[string]interface{}{
		"name":      "clrdbg-mcp",
		"type":      "coreclr",
		"request":   "attach",
		"processId": pid,
	}
	if opts := t.symbolOptions(); opts != nil {
		args["symbolOptions"] = opts
	}
	pending, err := t.client.AttachAsync(args)
	if err != nil {
		return err
	}
	if err := t.configure(ctx, pending); err != nil {
		return err
	}
	t.mu.Lock()
	t.pid = pid
	t.runtime.PID = pid
	t.mu.Unlock()
	return nil
}

// AttachLaunched replays the entry stop of a process created by
// CreateSuspended. The debuggee is still suspended at that point.
func (t *target) AttachLaunched(ctx context.Context, startup *native.Startup) error {
	t.mu.Lock()
	ev := t.entry
	t.entry = nil
	t.mu.Unlock()
	if ev == nil {
		return errors.New("launched process has not reached its entry point")
	}
	go t.emit(*ev)
	return nil
}

func (t *target) Resume(ctx context.Context, threadID int) error {
	return mapErr(t.client.Continue(ctx, threadID))
}

func (t *target) Stop(ctx context.Context) error {
	t.mu.Lock()
	thread := t.lastThread
	t.mu.Unlock()
	if thread == 0 {
		threads, err := t.client.Threads(ctx)
		if err != nil {
			return err
		}
		if len(threads) > 0 {
			thread = threads[0].Id
		}
	}
	return mapErr(t.client.Pause(ctx, thread))
}

func (t *target) Step(ctx context.Context, threadID int, kind native.StepKind) error {
	var err error
	switch kind {
	case native.StepOver:
		err = t.client.Next(ctx, threadID)
	case native.StepInto:
		err = t.client.StepIn(ctx, threadID)
	case native.StepOut:
		err = t.client.StepOut(ctx, threadID)
	default:
		return fmt.Errorf("unknown step kind %d", kind)
	}
	return mapErr(err)
}

func (t *target) Detach(ctx context.Context) error {
	return t.client.Disconnect(ctx, false)
}

func (t *target) Terminate(ctx context.Context) error {
	return t.client.Disconnect(ctx, true)
}

// AttachAppDomain is a no-op: netcoredbg attaches every app domain itself.
func (t *target) AttachAppDomain(ctx context.Context, id int) error {
	return nil
}

func (t *target) SetBreakpoint(ctx context.Context, loc native.Location) (native.BoundBreakpoint, error) {
	t.bpMu.Lock()
	defer t.bpMu.Unlock()

	lines := append([]int(nil), t.lines[loc.File]...)
	idx := indexOf(lines, loc.Line)
	if idx < 0 {
		lines = append(lines, loc.Line)
		idx = len(lines) - 1
	}
	bps, err := t.sendBreakpoints(ctx, loc.File, lines)
	if err != nil {
		return native.BoundBreakpoint{}, err
	}
	b := bps[idx]
	line := b.Line
	if line == 0 {
		line = loc.Line
	}
	return native.BoundBreakpoint{ID: b.Id, Verified: b.Verified, Line: line, Message: b.Message}, nil
}

func (t *target) RemoveBreakpoint(ctx context.Context, id int) error {
	t.bpMu.Lock()
	defer t.bpMu.Unlock()

	for file, ids := range t.ids {
		idx := indexOf(ids, id)
		if idx < 0 {
			continue
		}
		lines := append([]int(nil), t.lines[file][:idx]...)
		lines = append(lines, t.lines[file][idx+1:]...)
		_, err := t.sendBreakpoints(ctx, file, lines)
		return err
	}
	return nil
}

// sendBreakpoints replaces the breakpoints of file. Called with bpMu held.
func (t *target) sendBreakpoints(ctx context.Context, file string, lines []int) ([]dap.Breakpoint, error) {
	req := make([]dap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		req[i] = dap.SourceBreakpoint{Line: l}
	}
	bps, err := t.client.SetBreakpoints(ctx, dap.Source{Name: baseName(file), Path: file}, req)
	if err != nil {
		return nil, err
	}
	if len(bps) != len(lines) {
		return nil, fmt.Errorf("netcoredbg returned %d breakpoints for %d lines", len(bps), len(lines))
	}
	ids := make([]int, len(bps))
	for i, b := range bps {
		ids[i] = b.Id
	}
	if len(lines) == 0 {
		delete(t.lines, file)
		delete(t.ids, file)
	} else {
		t.lines[file] = lines
		t.ids[file] = ids
	}
	return bps, nil
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func (t *target) Evaluate(ctx context.Context, threadID int, expr string) (native.EvalResult, error) {
	frameID, err := t.topFrameID(ctx, threadID)
	if err != nil {
		return native.EvalResult{}, err
	}
	body, err := t.client.Evaluate(ctx, expr, frameID, "watch")
	if err != nil {
		return native.EvalResult{}, err
	}
	return native.EvalResult{Value: body.Result, Type: body.Type, Ref: body.VariablesReference}, nil
}

func (t *target) ReadField(ctx context.Context, v native.Value, name string) (native.Value, error) {
	if v.Ref == 0 {
		return native.Value{}, fmt.Errorf("%s has no fields", describe(v))
	}
	vars, err := t.client.Variables(ctx, v.Ref)
	if err != nil {
		return native.Value{}, err
	}
	if child, ok := findVariable(vars, name); ok {
		return valueOf(child), nil
	}
	for _, group := range memberGroups {
		g, ok := findVariable(vars, group)
		if !ok || g.VariablesReference == 0 {
			continue
		}
		members, err := t.client.Variables(ctx, g.VariablesReference)
		if err != nil {
			continue
		}
		if child, ok := findVariable(members, name); ok {
			return valueOf(child), nil
		}
	}
	return native.Value{}, fmt.Errorf("%s has no field %q", describe(v), name)
}

func (t *target) TypeName(ctx context.Context, v native.Value) (string, error) {
	if v.Type == "" {
		return "", fmt.Errorf("type of %s is unknown", describe(v))
	}
	return v.Type, nil
}

func (t *target) FrameThis(ctx context.Context, frameID int) (native.Value, error) {
	scopes, err := t.client.Scopes(ctx, frameID)
	if err != nil {
		return native.Value{}, err
	}
	for _, s := range scopes {
		if s.VariablesReference == 0 || s.Expensive {
			continue
		}
		vars, err := t.client.Variables(ctx, s.VariablesReference)
		if err != nil {
			return native.Value{}, err
		}
		if this, ok := findVariable(vars, "this"); ok {
			return valueOf(this), nil
		}
	}
	return native.Value{}, fmt.Errorf("frame %d has no 'this'", frameID)
}

func (t *target) Fields(ctx context.Context, v native.Value) ([]native.Field, error) {
	if v.Ref == 0 {
		return nil, fmt.Errorf("%s has no fields", describe(v))
	}
	vars, err := t.client.Variables(ctx, v.Ref)
	if err != nil {
		return nil, err
	}
	var out []native.Field
	for _, child := range vars {
		switch child.Name {
		case "Static members":
			continue
		case "Non-Public members":
		default:
			out = append(out, native.Field{Name: child.Name, Value: child.Value})
			continue
		}
		if child.VariablesReference == 0 {
			continue
		}
		members, err := t.client.Variables(ctx, child.VariablesReference)
		if err != nil {
			return out, err
		}
		for _, m := range members {
			out = append(out, native.Field{Name: m.Name, Value: m.Value})
		}
	}
	return out, nil
}

func (t *target) StackFrames(ctx context.Context, threadID int) ([]native.Frame, error) {
	frames, err := t.client.StackTrace(ctx, threadID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]native.Frame, 0, len(frames))
	for _, f := range frames {
		loc := t.location(f)
		_, _, async := asyncstack.ParseAsyncFrame(f.Name)
		out = append(out, native.Frame{
			ID:                f.Id,
			Function:          f.Name,
			Module:            loc.Module,
			External:          f.Source == nil || f.Source.Path == "",
			Location:          loc,
			AsyncStateMachine: async,
		})
	}
	return out, nil
}

func (t *target) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			err = t.conn.close()
		}
	})
	return err
}

func findVariable(vars []dap.Variable, name string) (dap.Variable, bool) {
	for _, v := range vars {
		if v.Name == name {
			return v, true
		}
	}
	return dap.Variable{}, false
}

func valueOf(v dap.Variable) native.Value {
	return native.Value{
		Ref:  v.VariablesReference,
		Expr: v.EvaluateName,
		Type: runtimeType(v.Value, v.Type),
		Null: v.Value == "null",
	}
}

// runtimeType prefers the runtime type netcoredbg prints as an object's
// value ("{MyApp.Foo}") over the declared type.
func runtimeType(value, declared string) string {
	if len(value) > 2 && value[0] == '{' && value[len(value)-1] == '}' {
		if inner := value[1 : len(value)-1]; !strings.ContainsAny(inner, " =") {
			return inner
		}
	}
	return declared
}

func describe(v native.Value) string {
	if v.Expr != "" {
		return v.Expr
	}
	return fmt.Sprintf("value #%d", v.Ref)
}

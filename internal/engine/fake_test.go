package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// fakeTarget records native calls. Stop answers with a break event the way
// a real backend does.
type fakeTarget struct {
	mu     sync.Mutex
	sink   chan<- native.Event
	calls  []string
	nextBP int
	closed bool

	attachErr    error
	resumeErr    error
	stepErr      error
	detachErr    error
	terminateErr error
	// setErrs fail the next SetBreakpoint calls, one per entry.
	setErrs []error
	// unverified is how many of the next SetBreakpoint calls bind without
	// symbols.
	unverified int
	eval       func(expr string) (native.EvalResult, error)
	frames     []native.Frame
}

func (f *fakeTarget) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTarget) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTarget) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTarget) emit(ev native.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink <- ev
}

func (f *fakeTarget) Attach(ctx context.Context, pid int) error {
	f.record("attach")
	return f.attachErr
}

func (f *fakeTarget) AttachLaunched(ctx context.Context, startup *native.Startup) error {
	f.record("attach-launched")
	go f.emit(native.Event{Kind: native.EventEntry, ThreadID: 1, Suspended: true,
		Location: &native.Location{File: "/src/Program.cs", Line: 1}})
	return nil
}

func (f *fakeTarget) Resume(ctx context.Context, threadID int) error {
	f.record("resume")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeErr
}

func (f *fakeTarget) Stop(ctx context.Context) error {
	f.record("stop")
	go f.emit(native.Event{Kind: native.EventBreak, ThreadID: 1, Suspended: true})
	return nil
}

func (f *fakeTarget) Step(ctx context.Context, threadID int, kind native.StepKind) error {
	f.record("step " + kind.String())
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepErr
}

func (f *fakeTarget) Detach(ctx context.Context) error {
	f.record("detach")
	return f.detachErr
}

func (f *fakeTarget) Terminate(ctx context.Context) error {
	f.record("terminate")
	return f.terminateErr
}

func (f *fakeTarget) AttachAppDomain(ctx context.Context, id int) error {
	f.record("attach-appdomain")
	return nil
}

func (f *fakeTarget) SetBreakpoint(ctx context.Context, loc native.Location) (native.BoundBreakpoint, error) {
	f.record("set-breakpoint")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setErrs) > 0 {
		err := f.setErrs[0]
		f.setErrs = f.setErrs[1:]
		return native.BoundBreakpoint{}, err
	}
	f.nextBP++
	if f.unverified > 0 {
		f.unverified--
		return native.BoundBreakpoint{ID: f.nextBP, Line: loc.Line, Message: "no symbols loaded"}, nil
	}
	return native.BoundBreakpoint{ID: f.nextBP, Verified: true, Line: loc.Line}, nil
}

func (f *fakeTarget) RemoveBreakpoint(ctx context.Context, id int) error {
	f.record("remove-breakpoint")
	return nil
}

func (f *fakeTarget) Evaluate(ctx context.Context, threadID int, expr string) (native.EvalResult, error) {
	f.mu.Lock()
	eval := f.eval
	f.mu.Unlock()
	if eval == nil {
		return native.EvalResult{Value: "0", Type: "int"}, nil
	}
	return eval(expr)
}

func (f *fakeTarget) ReadField(ctx context.Context, v native.Value, name string) (native.Value, error) {
	return native.Value{Null: true}, nil
}

func (f *fakeTarget) TypeName(ctx context.Context, v native.Value) (string, error) {
	return v.Type, nil
}

func (f *fakeTarget) FrameThis(ctx context.Context, frameID int) (native.Value, error) {
	return native.Value{Null: true}, nil
}

func (f *fakeTarget) Fields(ctx context.Context, v native.Value) ([]native.Field, error) {
	return nil, nil
}

func (f *fakeTarget) StackFrames(ctx context.Context, threadID int) ([]native.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]native.Frame(nil), f.frames...), nil
}

func (f *fakeTarget) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	target   *fakeTarget
	runtimes []native.RuntimeInstance
	// noRuntime makes CreateSuspended report a process that died early.
	noRuntime bool

	mu      sync.Mutex
	aborted bool
}

func (b *fakeBackend) EnumerateRuntimes(ctx context.Context, pid int) ([]native.RuntimeInstance, error) {
	return b.runtimes, nil
}

func (b *fakeBackend) Open(ctx context.Context, rt native.RuntimeInstance, sink chan<- native.Event) (native.Target, error) {
	b.target.mu.Lock()
	b.target.sink = sink
	b.target.mu.Unlock()
	return b.target, nil
}

func (b *fakeBackend) CreateSuspended(ctx context.Context, spec native.LaunchSpec, sink chan<- native.Event) (*native.Startup, error) {
	ch := make(chan native.RuntimeInstance, 1)
	if !b.noRuntime {
		ch <- native.RuntimeInstance{PID: 4242, Version: "8.0.4"}
	}
	close(ch)
	return &native.Startup{
		PID:     4242,
		Runtime: ch,
		Abort: func() {
			b.mu.Lock()
			b.aborted = true
			b.mu.Unlock()
		},
	}, nil
}

// recorder collects published notifications.
type recorder struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recorder) Publish(n types.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) find(kind types.NotificationKind) []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// fakeResolver counts Resolve calls per module. Modules listed in missing
// resolve to NotFound.
type fakeResolver struct {
	mu       sync.Mutex
	resolved map[string]int
	missing  map[string]bool
}

func (r *fakeResolver) Resolve(ctx context.Context, modulePath string) (types.SymbolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved[modulePath]++
	if r.missing[modulePath] {
		return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolNotFound, Source: types.SymbolSourceNone}, nil
	}
	return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolLoaded, Source: types.SymbolSourceLocal}, nil
}

func (r *fakeResolver) Status(modulePath string) types.SymbolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved[modulePath] > 0 && !r.missing[modulePath] {
		return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolLoaded, PdbPath: modulePath + ".pdb", Source: types.SymbolSourceLocal}
	}
	return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolNone, Source: types.SymbolSourceNone}
}

func (r *fakeResolver) Statuses() []types.SymbolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.SymbolStatus
	for p := range r.resolved {
		st := types.SymbolStatus{ModulePath: p, Status: types.SymbolLoaded, Source: types.SymbolSourceLocal}
		if r.missing[p] {
			st.Status, st.Source = types.SymbolNotFound, types.SymbolSourceNone
		}
		out = append(out, st)
	}
	return out
}

func (r *fakeResolver) count(modulePath string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[modulePath]
}

type harness struct {
	engine   *Engine
	backend  *fakeBackend
	target   *fakeTarget
	notes    *recorder
	resolver *fakeResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		target:   &fakeTarget{},
		notes:    &recorder{},
		resolver: &fakeResolver{resolved: make(map[string]int), missing: make(map[string]bool)},
	}
	h.backend = &fakeBackend{
		target:   h.target,
		runtimes: []native.RuntimeInstance{{PID: 100, Version: "8.0.4", Path: "/usr/share/dotnet/shared/Microsoft.NETCore.App/8.0.4"}},
	}
	cfg := config.DefaultConfig().Engine
	cfg.ConditionTimeout = config.Duration(time.Second)
	h.engine = New(cfg, h.backend, h.resolver, h.notes)
	h.engine.log = logflags.Discard()

	oldExists, oldModules := processExists, loadedModules
	processExists = func(pid int) bool { return pid == 100 }
	loadedModules = func(pid int) ([]string, error) {
		return []string{"/usr/bin/dotnet", "/usr/share/dotnet/shared/Microsoft.NETCore.App/8.0.4/libcoreclr.so"}, nil
	}
	t.Cleanup(func() {
		processExists, loadedModules = oldExists, oldModules
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Close(ctx)
	})
	return h
}

func (h *harness) attach(t *testing.T) {
	t.Helper()
	if _, err := h.engine.Attach(context.Background(), 100, time.Second); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
}

// program returns a file that passes the launch path check.
func program(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "App.dll")
	if err := os.WriteFile(p, []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// waitUntil polls cond until it holds or the test times out.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, state types.SessionState) types.SessionInfo {
	t.Helper()
	var info types.SessionInfo
	waitUntil(t, "state "+string(state), func() bool {
		info = h.engine.Status()
		return info.State == state
	})
	return info
}

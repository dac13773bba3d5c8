// Package engine is the session state machine. It owns the native target,
// turns every native event into exactly one state transition and exposes
// the attach/launch/control/inspect surface used by the tool layer.
//
// Each session runs one event loop goroutine. Native events and
// caller-initiated transitions (continue, step) are both delivered to that
// loop, which is the only code that changes session state. Readers take a
// snapshot under a short lock.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/asyncstack"
	"github.com/ctagard/clrdbg-mcp/internal/breakpoints"
	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// sinkSize buffers native events between the backend and the event loop.
const sinkSize = 1024

// SymbolResolver resolves PDBs for loaded modules. *symbols.Resolver
// satisfies it.
type SymbolResolver interface {
	Resolve(ctx context.Context, modulePath string) (types.SymbolStatus, error)
	Status(modulePath string) types.SymbolStatus
	Statuses() []types.SymbolStatus
}

// Engine controls at most one debug session at a time.
type Engine struct {
	cfg      config.EngineConfig
	backend  native.Backend
	symbols  SymbolResolver
	registry *breakpoints.Registry
	notifier *breakpoints.Notifier
	log      *logrus.Entry

	mu       sync.Mutex
	session  *session
	starting bool

	// bindMu serializes breakpoint binding between callers and the event loop.
	bindMu sync.Mutex
}

// New creates an engine. symbols may be nil to disable symbol resolution;
// pub may be nil to discard notifications.
func New(cfg config.EngineConfig, backend native.Backend, symbols SymbolResolver, pub breakpoints.Publisher) *Engine {
	if backend == nil {
		panic("engine: nil backend")
	}
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		symbols:  symbols,
		registry: breakpoints.NewRegistry(),
		notifier: breakpoints.NewNotifier(pub, cfg.NotificationQueue, logflags.BreakpointsLogger()),
		log:      logflags.EngineLogger(),
	}
}

// session is the live state of one debuggee.
type session struct {
	info        types.SessionInfo
	mode        types.LaunchMode
	target      native.Target
	events      chan native.Event
	ops         chan func()
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	evaluator   *breakpoints.Evaluator
	stopAtEntry bool
	// entered is closed once the entry stop of a launched process has
	// been applied.
	entered   chan struct{}
	enterOnce sync.Once

	// guarded by Engine.mu
	changed chan struct{}
	modules []string
	seen    map[string]bool
}

func (e *Engine) newSession(target native.Target, sink chan native.Event, info types.SessionInfo) *session {
	ctx, cancel := context.WithCancel(context.Background())
	ev := breakpoints.NewEvaluator(target)
	if d := e.cfg.ConditionTimeout.Std(); d > 0 {
		ev.ConditionTimeout = d
	}
	if d := e.cfg.LogMessageTimeout.Std(); d > 0 {
		ev.LogMessageTimeout = d
	}
	now := time.Now()
	info.AttachedAt = &now
	info.State = types.StateRunning
	return &session{
		info:      info,
		mode:      info.LaunchMode,
		target:    target,
		events:    sink,
		ops:       make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		evaluator: ev,
		entered:   make(chan struct{}),
		changed:   make(chan struct{}),
		seen:      make(map[string]bool),
	}
}

// start installs s as the current session and starts its event loop.
func (e *Engine) start(s *session) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	go e.loop(s)
	e.publishState(s)
}

func (e *Engine) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			e.apply(s, ev)
		case op := <-s.ops:
			op()
		case <-s.stop:
			return
		}
	}
}

// post runs fn on the session's event loop and waits for it.
func (s *session) post(fn func()) bool {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(ran) }:
	case <-s.stop:
		return false
	}
	<-ran
	return true
}

// update changes session fields under the engine lock and wakes waiters.
func (e *Engine) update(s *session, fn func(info *types.SessionInfo)) types.SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&s.info)
	close(s.changed)
	s.changed = make(chan struct{})
	return s.info
}

// waitFor blocks until pred holds for the session or ctx ends.
func (e *Engine) waitFor(ctx context.Context, s *session, pred func(types.SessionInfo) bool) bool {
	for {
		e.mu.Lock()
		ok := pred(s.info)
		changed := s.changed
		e.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-changed:
		case <-s.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// reserve claims the single session slot for an attach or launch.
func (e *Engine) reserve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return errors.SessionActive(e.session.info.PID)
	}
	if e.starting {
		return errors.SessionActive(0)
	}
	e.starting = true
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.starting = false
	e.mu.Unlock()
}

// current returns the active session.
func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.NoActiveSession()
	}
	return e.session, nil
}

// paused returns the active session if it is paused.
func (e *Engine) paused(operation string) (*session, types.SessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil {
		return nil, types.SessionInfo{}, errors.NoActiveSession()
	}
	if s.info.State != types.StatePaused {
		return nil, types.SessionInfo{}, errors.InvalidState(operation, string(s.info.State))
	}
	return s, s.info, nil
}

// Status returns a snapshot of the session.
func (e *Engine) Status() types.SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return types.SessionInfo{State: types.StateDisconnected}
	}
	return e.session.info
}

// teardown ends s: the handle is closed and the state is Disconnected no
// matter how the native shutdown went.
func (e *Engine) teardown(s *session, why string) {
	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return
	}
	e.session = nil
	s.info.State = types.StateDisconnected
	s.info.PauseReason = types.PauseNone
	s.info.CurrentLocation = nil
	close(s.changed)
	s.changed = make(chan struct{})
	e.mu.Unlock()

	s.cancel()
	s.stopOnce.Do(func() { close(s.stop) })
	if err := s.target.Close(); err != nil {
		e.log.Warnf("closing debugging interface: %v", err)
	}
	e.registry.ResetBindings()
	e.log.Debugf("session for pid %d ended: %s", s.info.PID, why)

	e.notifier.Notify(types.Notification{
		Kind:      types.NotifyStateChanged,
		State:     types.StateDisconnected,
		Message:   why,
		Timestamp: time.Now(),
	})
}

func (e *Engine) publishState(s *session) {
	e.mu.Lock()
	info := s.info
	e.mu.Unlock()
	e.notifier.Notify(types.Notification{
		Kind:      types.NotifyStateChanged,
		State:     info.State,
		Reason:    info.PauseReason,
		Location:  info.CurrentLocation,
		ThreadID:  info.ActiveThreadID,
		Message:   info.PauseDetail,
		Timestamp: time.Now(),
	})
}

// Close ends any session and flushes pending notifications within ctx.
func (e *Engine) Close(ctx context.Context) error {
	if _, err := e.current(); err == nil {
		if err := e.Disconnect(ctx); err != nil {
			e.log.Warnf("disconnect on close: %v", err)
		}
	}
	return e.notifier.Close(ctx)
}

// Dropped reports how many notifications were dropped because the queue was full.
func (e *Engine) Dropped() int64 {
	return e.notifier.Dropped()
}

func (e *Engine) walker(s *session) *asyncstack.Walker {
	w := asyncstack.NewWalker(s.target)
	if e.cfg.AsyncStackDepth > 0 {
		w.MaxDepth = e.cfg.AsyncStackDepth
	}
	return w
}

type result[T any] struct {
	v   T
	err error
}

// offload runs a blocking native call on a worker goroutine so the caller
// only waits as long as ctx allows. When ctx ends first, a successful late
// result is handed to cleanup.
func offload[T any](ctx context.Context, fn func() (T, error), cleanup func(T)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if cleanup != nil {
			go func() {
				if r := <-ch; r.err == nil {
					cleanup(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}

func offloadErr(ctx context.Context, fn func() error) error {
	_, err := offload(ctx, func() (struct{}, error) { return struct{}{}, fn() }, nil)
	return err
}

func toSource(loc *native.Location) *types.SourceLocation {
	if loc == nil || loc.File == "" {
		return nil
	}
	return &types.SourceLocation{File: loc.File, Line: loc.Line, Column: loc.Column}
}

package engine

import (
	"context"
	stderrors "errors"
	"os"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/native"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// stopBeforeDetach bounds the wait for a break before detaching a running
// process.
const stopBeforeDetach = 2 * time.Second

// process inspection, replaced in tests
var (
	processExists = native.ProcessExists
	loadedModules = native.LoadedModules
)

func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Attach attaches to a running .NET process.
func (e *Engine) Attach(ctx context.Context, pid int, timeout time.Duration) (types.SessionInfo, error) {
	if pid <= 0 {
		return types.SessionInfo{}, errors.InvalidParameter("pid", pid, "a positive process id")
	}
	if err := e.reserve(); err != nil {
		return types.SessionInfo{}, err
	}
	defer e.release()

	if timeout <= 0 {
		timeout = e.cfg.AttachTimeout.Std()
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	log := e.log.WithField("pid", pid)
	if !processExists(pid) {
		return types.SessionInfo{}, errors.ProcessNotFound(pid)
	}
	modules, err := loadedModules(pid)
	switch {
	case stderrors.Is(err, native.ErrNotSupported):
		log.Debug("module listing unavailable, relying on runtime discovery")
	case err != nil:
		return types.SessionInfo{}, errors.AttachFailed(pid, err)
	case !hasManagedModule(modules):
		return types.SessionInfo{}, errors.NotDotNetProcess(pid)
	}

	runtimes, err := e.backend.EnumerateRuntimes(ctx, pid)
	if err != nil {
		return types.SessionInfo{}, errors.AttachFailed(pid, err)
	}
	if len(runtimes) == 0 {
		return types.SessionInfo{}, errors.NotDotNetProcess(pid)
	}
	rt := runtimes[0]
	if len(runtimes) > 1 {
		log.Warnf("process hosts %d runtimes, using %s", len(runtimes), rt)
	}

	sink := make(chan native.Event, sinkSize)
	target, err := offload(ctx, func() (native.Target, error) {
		t, err := e.backend.Open(ctx, rt, sink)
		if err != nil {
			return nil, err
		}
		if err := t.Attach(ctx, pid); err != nil {
			_ = t.Close()
			return nil, err
		}
		return t, nil
	}, func(t native.Target) { _ = t.Close() })
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return types.SessionInfo{}, errors.Timeout("attach", seconds(timeout))
		}
		return types.SessionInfo{}, errors.AttachFailed(pid, err)
	}

	info := types.SessionInfo{
		PID:            pid,
		RuntimeVersion: rt.Version,
		LaunchMode:     types.LaunchModeAttach,
	}
	if exe, err := native.ExecutablePath(pid); err == nil {
		info.ExecutablePath = exe
	}
	s := e.newSession(target, sink, info)
	e.start(s)
	e.bindPending(s)
	log.Infof("attached to %s", rt)
	return e.Status(), nil
}

func hasManagedModule(modules []string) bool {
	for _, m := range modules {
		if native.IsManagedModule(m) {
			return true
		}
	}
	return false
}

// Launch starts a program under the debugger. The debugging interface is
// only created once the runtime has loaded inside the new process.
func (e *Engine) Launch(ctx context.Context, req types.LaunchRequest) (types.SessionInfo, error) {
	if req.Program == "" {
		return types.SessionInfo{}, errors.MissingParameter("program", "path to the .NET program (dll or apphost) to launch")
	}
	if _, err := os.Stat(req.Program); err != nil {
		return types.SessionInfo{}, errors.InvalidPath(req.Program)
	}
	if err := e.reserve(); err != nil {
		return types.SessionInfo{}, err
	}
	defer e.release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.LaunchTimeout.Std()
	}
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	fail := func(err error) (types.SessionInfo, error) {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return types.SessionInfo{}, errors.Timeout("launch", seconds(timeout))
		}
		return types.SessionInfo{}, errors.LaunchFailed(req.Program, err)
	}

	sink := make(chan native.Event, sinkSize)
	spec := native.LaunchSpec{
		Program:           req.Program,
		Args:              req.Args,
		Cwd:               req.Cwd,
		Env:               req.Env,
		SymbolSearchPaths: req.SymbolSearchPaths,
	}
	startup, err := offload(ctx, func() (*native.Startup, error) {
		return e.backend.CreateSuspended(ctx, spec, sink)
	}, func(st *native.Startup) { st.Abort() })
	if err != nil {
		return fail(err)
	}

	var rt native.RuntimeInstance
	select {
	case r, ok := <-startup.Runtime:
		if !ok {
			startup.Abort()
			return fail(stderrors.New("process exited before the runtime started"))
		}
		rt = r
	case <-ctx.Done():
		startup.Abort()
		return fail(ctx.Err())
	}

	target, err := offload(ctx, func() (native.Target, error) {
		return e.backend.Open(ctx, rt, sink)
	}, func(t native.Target) { _ = t.Close() })
	if err != nil {
		startup.Abort()
		return fail(err)
	}

	pid := rt.PID
	if pid == 0 {
		pid = startup.PID
	}
	s := e.newSession(target, sink, types.SessionInfo{
		PID:            pid,
		ExecutablePath: req.Program,
		RuntimeVersion: rt.Version,
		LaunchMode:     types.LaunchModeLaunch,
	})
	s.stopAtEntry = req.StopAtEntry
	e.start(s)
	e.bindPending(s)

	if err := offloadErr(ctx, func() error { return target.AttachLaunched(ctx, startup) }); err != nil {
		startup.Abort()
		e.teardown(s, "launch failed")
		return fail(err)
	}

	select {
	case <-s.entered:
	case <-s.stop:
	case <-ctx.Done():
		e.log.Warn("launched process did not report its entry point in time")
	}
	e.log.WithField("pid", pid).Infof("launched %s", req.Program)
	return e.Status(), nil
}

// Detach releases the debuggee and leaves it running. The session always
// ends, even when the native detach fails.
func (e *Engine) Detach(ctx context.Context) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return e.detach(ctx, s)
}

func (e *Engine) detach(ctx context.Context, s *session) error {
	defer e.teardown(s, "detached")

	if e.Status().State == types.StateRunning {
		stopCtx, cancel := context.WithTimeout(ctx, stopBeforeDetach)
		if err := offloadErr(stopCtx, func() error { return s.target.Stop(stopCtx) }); err != nil {
			e.log.Warnf("stopping before detach: %v", err)
		}
		cancel()
	}
	if err := offloadErr(ctx, func() error { return s.target.Detach(ctx) }); err != nil {
		e.log.Warnf("detach: %v", err)
		return errors.DetachFailed(err)
	}
	return nil
}

// Terminate kills a launched debuggee. Attached processes are never killed.
func (e *Engine) Terminate(ctx context.Context) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	if s.mode != types.LaunchModeLaunch {
		return errors.InvalidState("terminate", "attached")
	}
	return e.terminate(ctx, s)
}

func (e *Engine) terminate(ctx context.Context, s *session) error {
	defer e.teardown(s, "terminated")
	if err := offloadErr(ctx, func() error { return s.target.Terminate(ctx) }); err != nil {
		e.log.Warnf("terminate: %v", err)
		return errors.TerminateFailed(err)
	}
	return nil
}

// Disconnect ends the session the way it began: attached processes are
// detached, launched ones are terminated.
func (e *Engine) Disconnect(ctx context.Context) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	if s.mode == types.LaunchModeLaunch {
		return e.terminate(ctx, s)
	}
	return e.detach(ctx, s)
}

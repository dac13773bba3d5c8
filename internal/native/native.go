// Package native defines the boundary between the debugging engine and the
// native debugging channel that actually controls the debuggee.
//
// A Backend discovers runtimes and produces Targets. A Target is bound to one
// runtime in one process and reports everything that happens in the debuggee
// as Events on a sink channel supplied by the engine. The engine is the only
// consumer of that channel, so every native callback is normalized into one
// message before it can touch session state.
package native

import (
	"context"
	"errors"
	"fmt"
)

// ErrAlreadyRunning is the native "process already running" error class.
// Resume and step requests that race with an in-flight resume return it.
var ErrAlreadyRunning = errors.New("process is already running")

// ErrNotSupported is returned by backends for operations they cannot perform.
var ErrNotSupported = errors.New("operation not supported by debugging backend")

// RuntimeInstance identifies one runtime loaded in a process.
type RuntimeInstance struct {
	PID     int
	Version string
	Path    string
}

func (r RuntimeInstance) String() string {
	if r.Version == "" {
		return r.Path
	}
	return fmt.Sprintf("CoreCLR %s (%s)", r.Version, r.Path)
}

// LaunchSpec describes a process to create under the debugger.
type LaunchSpec struct {
	Program string
	Args    []string
	Cwd     string
	Env     map[string]string
	// SymbolSearchPaths are added to the backend's own PDB search paths.
	SymbolSearchPaths []string
}

// Startup is a process created suspended, waiting for its runtime to load.
type Startup struct {
	PID int
	// Runtime receives one value once the runtime has started inside the
	// process. It is closed without a value if startup fails.
	Runtime <-chan RuntimeInstance
	// Abort kills the suspended process. Safe to call more than once.
	Abort func()
}

// EventKind enumerates normalized native callbacks.
type EventKind int

const (
	EventBreakpoint EventKind = iota
	EventException
	EventStepComplete
	EventEntry
	EventBreak
	EventProcessExited
	EventModuleLoaded
	EventAppDomainCreated
	EventThreadStarted
	EventThreadExited
	EventOutput
	EventBreakpointChanged
)

var eventNames = map[EventKind]string{
	EventBreakpoint:       "breakpoint",
	EventException:        "exception",
	EventStepComplete:     "step-complete",
	EventEntry:            "entry",
	EventBreak:            "break",
	EventProcessExited:    "process-exited",
	EventModuleLoaded:     "module-loaded",
	EventAppDomainCreated: "appdomain-created",
	EventThreadStarted:    "thread-started",
	EventThreadExited:     "thread-exited",
	EventOutput:           "output",

	EventBreakpointChanged: "breakpoint-changed",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Location is a source position reported by the backend.
type Location struct {
	File     string
	Line     int
	Column   int
	Function string
	Module   string
}

// Event is one native callback.
type Event struct {
	Kind     EventKind
	ThreadID int
	Location *Location
	// NativeBreakpointIDs lists backend breakpoint ids reported for a
	// breakpoint stop. It may be empty, in which case Location is used.
	NativeBreakpointIDs []int
	ModulePath          string
	AppDomainID         int
	ExitCode            int
	Message             string
	// Suspended is true when the backend holds the debuggee until the engine
	// resumes it. Any suspended event the engine does not pause on must be
	// resumed.
	Suspended bool
	// Bound is the new binding reported with EventBreakpointChanged.
	Bound *BoundBreakpoint
}

// StepKind selects a stepping operation.
type StepKind int

const (
	StepOver StepKind = iota
	StepInto
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepOut:
		return "out"
	}
	return "unknown"
}

// BoundBreakpoint is a breakpoint accepted by the backend.
type BoundBreakpoint struct {
	ID       int
	Verified bool
	Line     int
	Message  string
}

// Value is a handle to a live value in the debuggee.
type Value struct {
	// Ref is the backend handle used to read children.
	Ref int
	// Expr re-reads the value when evaluated in the paused frame.
	Expr string
	// Type is the runtime type name when the backend reported it.
	Type string
	Null bool
}

// Field is a named child of a value, rendered for display.
type Field struct {
	Name  string
	Value string
}

// EvalResult is the result of evaluating an expression.
type EvalResult struct {
	Value string
	Type  string
	Ref   int
}

// Frame is a physical stack frame.
type Frame struct {
	ID        int
	Function  string
	Module    string
	External  bool
	Location  *Location
	Arguments []string
	// AsyncStateMachine marks the MoveNext frame of a compiler-generated
	// async state machine.
	AsyncStateMachine bool
}

// Backend creates debugging interfaces.
type Backend interface {
	// EnumerateRuntimes lists the runtimes loaded in pid.
	EnumerateRuntimes(ctx context.Context, pid int) ([]RuntimeInstance, error)
	// Open creates a debugging interface bound to exactly rt and registers
	// sink as its callback channel.
	Open(ctx context.Context, rt RuntimeInstance, sink chan<- Event) (Target, error)
	// CreateSuspended starts a process suspended. The returned Startup
	// delivers the runtime once it has loaded. Events emitted before the
	// engine opens a Target are sent to sink.
	CreateSuspended(ctx context.Context, spec LaunchSpec, sink chan<- Event) (*Startup, error)
}

// Target controls one debuggee.
type Target interface {
	Attach(ctx context.Context, pid int) error
	// AttachLaunched binds the target to a process created by CreateSuspended.
	AttachLaunched(ctx context.Context, startup *Startup) error
	Resume(ctx context.Context, threadID int) error
	Stop(ctx context.Context) error
	Step(ctx context.Context, threadID int, kind StepKind) error
	Detach(ctx context.Context) error
	Terminate(ctx context.Context) error
	AttachAppDomain(ctx context.Context, id int) error

	SetBreakpoint(ctx context.Context, loc Location) (BoundBreakpoint, error)
	RemoveBreakpoint(ctx context.Context, id int) error

	Evaluate(ctx context.Context, threadID int, expr string) (EvalResult, error)
	ReadField(ctx context.Context, v Value, name string) (Value, error)
	TypeName(ctx context.Context, v Value) (string, error)
	FrameThis(ctx context.Context, frameID int) (Value, error)
	// Fields lists the instance fields of v, including non-public ones.
	Fields(ctx context.Context, v Value) ([]Field, error)
	StackFrames(ctx context.Context, threadID int) ([]Frame, error)

	Close() error
}

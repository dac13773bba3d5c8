// Package types defines shared data types used across the clrdbg-mcp server.
//
// This package provides type definitions for:
//   - SessionState / PauseReason / LaunchMode: debug session state
//   - Request types: LaunchRequest, AttachRequest, BreakpointRequest
//   - Record types: SessionInfo, Breakpoint, StackFrame, EvaluateResult, SymbolStatus, ModuleInfo
//   - Notification: state-change and tracepoint messages pushed to clients
//
// These types form the contract between the engine and the tool layer and are
// serialized as JSON on the way out.
package types

import "time"

// SessionState represents the state of the debug session
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateRunning      SessionState = "running"
	StatePaused       SessionState = "paused"
)

// PauseReason explains why the debuggee is paused
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseBreakpoint PauseReason = "breakpoint"
	PauseException  PauseReason = "exception"
	PauseStep       PauseReason = "step"
	PauseEntry      PauseReason = "entry"
	PausePause      PauseReason = "pause"
)

// LaunchMode records how the session came to be
type LaunchMode string

const (
	LaunchModeAttach LaunchMode = "attach"
	LaunchModeLaunch LaunchMode = "launch"
)

// SourceLocation is a position in a source file (1-based line and column)
type SourceLocation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// LaunchRequest represents a request to launch a program under the debugger
type LaunchRequest struct {
	Program     string            `json:"program"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopAtEntry bool              `json:"stopAtEntry,omitempty"`
	// SymbolSearchPaths are extra directories the debugger searches for PDBs.
	SymbolSearchPaths []string      `json:"symbolSearchPaths,omitempty"`
	Timeout           time.Duration `json:"-"`
}

// AttachRequest represents a request to attach to a running process
type AttachRequest struct {
	PID     int           `json:"pid"`
	Timeout time.Duration `json:"-"`
}

// SessionInfo is a snapshot of the debug session
type SessionInfo struct {
	State           SessionState    `json:"state"`
	PID             int             `json:"pid,omitempty"`
	ExecutablePath  string          `json:"executablePath,omitempty"`
	RuntimeVersion  string          `json:"runtimeVersion,omitempty"`
	AttachedAt      *time.Time      `json:"attachedAt,omitempty"`
	LaunchMode      LaunchMode      `json:"launchMode,omitempty"`
	PauseReason     PauseReason     `json:"pauseReason,omitempty"`
	PauseDetail     string          `json:"pauseDetail,omitempty"`
	CurrentLocation *SourceLocation `json:"currentLocation,omitempty"`
	ActiveThreadID  int             `json:"activeThreadId,omitempty"`
}

// BreakpointState is the binding state of a breakpoint
type BreakpointState string

const (
	BreakpointPending  BreakpointState = "pending"
	BreakpointBound    BreakpointState = "bound"
	BreakpointDisabled BreakpointState = "disabled"
)

// BreakpointType distinguishes pausing breakpoints from tracepoints
type BreakpointType string

const (
	BreakpointBlocking   BreakpointType = "blocking"
	BreakpointTracepoint BreakpointType = "tracepoint"
)

// BreakpointRequest represents a request to set a breakpoint
type BreakpointRequest struct {
	File             string         `json:"file"`
	Line             int            `json:"line"`
	Column           int            `json:"column,omitempty"`
	Type             BreakpointType `json:"type,omitempty"`
	Condition        string         `json:"condition,omitempty"`
	LogMessage       string         `json:"logMessage,omitempty"`
	HitCountMultiple int            `json:"hitCountMultiple,omitempty"`
	MaxNotifications int            `json:"maxNotifications,omitempty"`
}

// Breakpoint is the externally visible record of a breakpoint
type Breakpoint struct {
	ID                string          `json:"id"`
	Location          SourceLocation  `json:"location"`
	State             BreakpointState `json:"state"`
	Enabled           bool            `json:"enabled"`
	Verified          bool            `json:"verified"`
	HitCount          int             `json:"hitCount"`
	Type              BreakpointType  `json:"type"`
	Condition         string          `json:"condition,omitempty"`
	LogMessage        string          `json:"logMessage,omitempty"`
	HitCountMultiple  int             `json:"hitCountMultiple,omitempty"`
	MaxNotifications  int             `json:"maxNotifications,omitempty"`
	NotificationsSent int             `json:"notificationsSent"`
	Message           string          `json:"message,omitempty"`
}

// FrameKind distinguishes physical frames from synthesized async frames
type FrameKind string

const (
	FrameSync              FrameKind = "sync"
	FrameAsync             FrameKind = "async"
	FrameAsyncContinuation FrameKind = "async_continuation"
)

// StackFrame represents a physical or logical stack frame
type StackFrame struct {
	Index           int             `json:"index"`
	Function        string          `json:"function"`
	Module          string          `json:"module,omitempty"`
	IsExternal      bool            `json:"isExternal,omitempty"`
	Location        *SourceLocation `json:"location,omitempty"`
	Arguments       []string        `json:"arguments,omitempty"`
	Kind            FrameKind       `json:"kind"`
	IsAwaiting      bool            `json:"isAwaiting,omitempty"`
	LogicalFunction string          `json:"logicalFunction,omitempty"`
}

// EvaluateResult is the value of an expression evaluated in a paused frame
type EvaluateResult struct {
	Expression         string `json:"expression"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference,omitempty"`
}

// SymbolStatusKind is the resolution state of a module's PDB
type SymbolStatusKind string

const (
	SymbolNone            SymbolStatusKind = "none"
	SymbolLoaded          SymbolStatusKind = "loaded"
	SymbolPendingDownload SymbolStatusKind = "pending_download"
	SymbolDownloading     SymbolStatusKind = "downloading"
	SymbolNotFound        SymbolStatusKind = "not_found"
	SymbolFailed          SymbolStatusKind = "failed"
)

// SymbolSource records where a PDB came from
type SymbolSource string

const (
	SymbolSourceNone     SymbolSource = "none"
	SymbolSourceLocal    SymbolSource = "local"
	SymbolSourceEmbedded SymbolSource = "embedded"
	SymbolSourceCache    SymbolSource = "cache"
	SymbolSourceServer   SymbolSource = "server"
)

// SymbolStatus is the outcome of symbol resolution for one module
type SymbolStatus struct {
	ModulePath    string           `json:"modulePath"`
	Status        SymbolStatusKind `json:"status"`
	PdbPath       string           `json:"pdbPath,omitempty"`
	Source        SymbolSource     `json:"source"`
	FailureReason string           `json:"failureReason,omitempty"`
}

// ModuleInfo represents information about a loaded module
type ModuleInfo struct {
	Path         string           `json:"path"`
	Name         string           `json:"name"`
	SymbolStatus SymbolStatusKind `json:"symbolStatus"`
	PdbPath      string           `json:"pdbPath,omitempty"`
}

// NotificationKind identifies a pushed notification
type NotificationKind string

const (
	NotifyStateChanged  NotificationKind = "state_changed"
	NotifyTracepoint    NotificationKind = "tracepoint"
	NotifyBreakpointHit NotificationKind = "breakpoint_hit"
	NotifyOutput        NotificationKind = "output"
)

// Notification is a message delivered to the tool layer without blocking the debuggee
type Notification struct {
	Kind         NotificationKind `json:"kind"`
	State        SessionState     `json:"state,omitempty"`
	Reason       PauseReason      `json:"reason,omitempty"`
	Location     *SourceLocation  `json:"location,omitempty"`
	ThreadID     int              `json:"threadId,omitempty"`
	BreakpointID string           `json:"breakpointId,omitempty"`
	Message      string           `json:"message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

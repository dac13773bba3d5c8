// Package errors provides structured error types for the clrdbg-mcp server.
// These errors include helpful hints and suggestions that guide the LLM
// to correct course when something goes wrong.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Caller misuse
	CodeSessionActive     ErrorCode = "SESSION_ACTIVE"
	CodeNoActiveSession   ErrorCode = "NO_ACTIVE_SESSION"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeBreakpointMissing ErrorCode = "BREAKPOINT_NOT_FOUND"

	// Environment
	CodeProcessNotFound  ErrorCode = "PROCESS_NOT_FOUND"
	CodeNotDotNetProcess ErrorCode = "NOT_DOTNET_PROCESS"
	CodeInvalidPath      ErrorCode = "INVALID_PATH"

	// Native interop
	CodeAttachFailed    ErrorCode = "ATTACH_FAILED"
	CodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	CodeDetachFailed    ErrorCode = "DETACH_FAILED"
	CodeTerminateFailed ErrorCode = "TERMINATE_FAILED"
	CodeStepFailed      ErrorCode = "STEP_FAILED"
	CodeTimeout         ErrorCode = "TIMEOUT"

	// Runtime
	CodeEvaluationFailed ErrorCode = "EVALUATION_FAILED"
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeNoThreads        ErrorCode = "NO_THREADS"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Configuration errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
)

// DebugError is a structured error type that includes helpful information
// for the LLM to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human/LLM-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// HasCode reports whether err is, or wraps, a DebugError with the given code
func HasCode(err error, code ErrorCode) bool {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// --- Session Errors ---

// SessionActive is returned when attach/launch is attempted while a session exists
func SessionActive(pid int) *DebugError {
	return &DebugError{
		Code:    CodeSessionActive,
		Message: fmt.Sprintf("a debug session is already active (pid %d)", pid),
		Hint:    "Only one process can be debugged at a time. Use debug_disconnect to end the current session first.",
		Details: map[string]interface{}{
			"pid": pid,
		},
	}
}

// NoActiveSession is returned when an operation needs a session and none exists
func NoActiveSession() *DebugError {
	return &DebugError{
		Code:    CodeNoActiveSession,
		Message: "no active debug session",
		Hint:    "Use debug_attach or debug_launch to start a session.",
	}
}

// InvalidState is returned when an operation is not valid in the current session state
func InvalidState(operation, state string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("cannot %s while the session is %s", operation, state),
		Hint:    "Use debug_status to check the session state. Stepping and inspection require a paused process; use debug_pause first.",
		Details: map[string]interface{}{
			"operation": operation,
			"state":     state,
		},
	}
}

// BreakpointNotFound is returned for an unknown breakpoint id
func BreakpointNotFound(id string) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointMissing,
		Message: fmt.Sprintf("breakpoint '%s' not found", id),
		Hint:    "Use debug_breakpoints with action=list to see existing breakpoint ids.",
		Details: map[string]interface{}{
			"breakpointId": id,
		},
	}
}

// --- Environment Errors ---

// ProcessNotFound is returned when the pid does not name a live process
func ProcessNotFound(pid int) *DebugError {
	return &DebugError{
		Code:    CodeProcessNotFound,
		Message: fmt.Sprintf("process %d not found", pid),
		Hint:    "Check the process id. The process may have exited.",
		Details: map[string]interface{}{
			"pid": pid,
		},
	}
}

// NotDotNetProcess is returned when the process does not host the .NET runtime
func NotDotNetProcess(pid int) *DebugError {
	return &DebugError{
		Code:    CodeNotDotNetProcess,
		Message: fmt.Sprintf("process %d is not running the .NET runtime", pid),
		Hint:    "No CoreCLR module is loaded in the target. Attach only works for .NET (Core) processes.",
		Details: map[string]interface{}{
			"pid": pid,
		},
	}
}

// InvalidPath is returned when the program to launch does not exist
func InvalidPath(path string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidPath,
		Message: fmt.Sprintf("program not found: %s", path),
		Hint:    "Provide an absolute path to an existing executable or .dll.",
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// --- Native Errors ---

// AttachFailed wraps a native attach failure
func AttachFailed(pid int, err error) *DebugError {
	return &DebugError{
		Code:    CodeAttachFailed,
		Message: fmt.Sprintf("failed to attach to process %d: %v", pid, err),
		Hint:    "Ensure you have permission to debug the process (ptrace scope on Linux) and that no other debugger is attached.",
		Cause:   err,
		Details: map[string]interface{}{
			"pid": pid,
		},
	}
}

// LaunchFailed wraps a native launch failure
func LaunchFailed(program string, err error) *DebugError {
	return &DebugError{
		Code:    CodeLaunchFailed,
		Message: fmt.Sprintf("failed to launch program: %v", err),
		Hint:    "Check that the program path is correct and that it is a .NET application.",
		Cause:   err,
		Details: map[string]interface{}{
			"program": program,
		},
	}
}

// DetachFailed wraps a native detach failure
func DetachFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeDetachFailed,
		Message: fmt.Sprintf("detach reported an error: %v", err),
		Hint:    "The session has been closed regardless. The process may need to be restarted if it stays suspended.",
		Cause:   err,
	}
}

// TerminateFailed wraps a native terminate failure
func TerminateFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeTerminateFailed,
		Message: fmt.Sprintf("terminate reported an error: %v", err),
		Hint:    "The session has been closed regardless. Check whether the process is still running.",
		Cause:   err,
	}
}

// Timeout creates an error for an operation that did not finish in time
func Timeout(operation string, seconds int) *DebugError {
	return &DebugError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out after %d seconds", operation, seconds),
		Hint:    "The target may be unresponsive. Try again with a longer timeout.",
		Details: map[string]interface{}{
			"operation":      operation,
			"timeoutSeconds": seconds,
		},
	}
}

// StepFailed creates an error for step failures
func StepFailed(stepType string, err error) *DebugError {
	var hint string
	switch stepType {
	case "over":
		hint = "Step over failed. The program may have terminated. Use debug_status to check the current state."
	case "into":
		hint = "Step into failed. There may be no call on the current line, or the program has terminated."
	case "out":
		hint = "Step out failed. You may already be at the top of the call stack, or the program has terminated."
	default:
		hint = "The step operation failed. Use debug_status to check the current program state."
	}

	return &DebugError{
		Code:    CodeStepFailed,
		Message: fmt.Sprintf("step %s failed: %v", stepType, err),
		Hint:    hint,
		Cause:   err,
		Details: map[string]interface{}{
			"stepType": stepType,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for JSON parsing failures
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Cause:   err,
		Details: map[string]interface{}{
			"parameter": paramName,
			"example":   example,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for permission denied
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "launch":
		hint = "The server is configured to disallow launching programs. Ask the administrator to enable 'allowLaunch' in the configuration."
	case "attach":
		hint = "The server is configured to disallow attaching to processes. Ask the administrator to enable 'allowAttach' in the configuration."
	case "evaluate":
		hint = "Expression evaluation is disabled in the current server mode."
	case "terminate":
		hint = "Terminating the debuggee is disabled. Disconnect without terminateDebuggee instead."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Configuration Errors ---

// ConfigNotFound creates an error for missing launch.json configurations
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	var hint string
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available coreclr configurations: %s", strings.Join(availableConfigs, ", "))
	} else {
		hint = "No coreclr configurations found in launch.json."
	}

	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("configuration '%s' not found in launch.json", configName),
		Hint:    hint,
		Details: map[string]interface{}{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration '%s' is invalid: %s", configName, reason),
		Hint:    "Check the launch.json file for syntax errors and ensure all required fields are present.",
		Details: map[string]interface{}{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// --- Runtime Errors ---

// BreakpointFailed creates an error for breakpoint binding failures
func BreakpointFailed(path string, line int, err error) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not bind breakpoint at %s:%d: %v", path, line, err),
		Hint:    "The breakpoint stays pending and will bind when a module containing the file loads. Ensure the line contains executable code.",
		Cause:   err,
		Details: map[string]interface{}{
			"path": path,
			"line": line,
		},
	}
}

// EvaluationFailed creates an error for expression evaluation failures
func EvaluationFailed(expression string, err error) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationFailed,
		Message: fmt.Sprintf("failed to evaluate expression '%s': %v", expression, err),
		Hint:    "Check that the expression is valid C# and that referenced variables are in scope at the current frame.",
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// NoThreads creates an error when no thread is available to inspect
func NoThreads() *DebugError {
	return &DebugError{
		Code:    CodeNoThreads,
		Message: "no active thread",
		Hint:    "The process is not paused on a thread. Use debug_pause or wait for a breakpoint.",
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}

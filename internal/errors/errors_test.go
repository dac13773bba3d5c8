package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIncludesHint(t *testing.T) {
	err := NoActiveSession()
	msg := err.Error()
	if !strings.Contains(msg, err.Message) || !strings.Contains(msg, " | Hint: ") {
		t.Errorf("Error() = %q, want message and hint", msg)
	}

	bare := &DebugError{Code: CodeTimeout, Message: "timed out"}
	if got := bare.Error(); got != "timed out" {
		t.Errorf("Error() without hint = %q", got)
	}
}

func TestHasCodeThroughWrapping(t *testing.T) {
	native := stderrors.New("E_ACCESSDENIED")
	err := fmt.Errorf("attach: %w", AttachFailed(42, native))

	if !HasCode(err, CodeAttachFailed) {
		t.Error("HasCode did not see the wrapped DebugError")
	}
	if HasCode(err, CodeLaunchFailed) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(native, CodeAttachFailed) {
		t.Error("HasCode matched a plain error")
	}
	if !stderrors.Is(err, native) {
		t.Error("native cause is not reachable through Unwrap")
	}
}

func TestFromError(t *testing.T) {
	de := DetachFailed(stderrors.New("busy"))
	if got := FromError(fmt.Errorf("wrapped: %w", de)); got != de {
		t.Errorf("FromError returned %v, want the original DebugError", got)
	}

	plain := stderrors.New("boom")
	got := FromError(plain)
	if got.Code != "UNKNOWN_ERROR" || got.Message != "boom" || got.Cause != plain {
		t.Errorf("FromError(plain) = %+v", got)
	}
}

func TestWithDetails(t *testing.T) {
	err := (&DebugError{Code: CodeInvalidState}).
		WithDetails("state", "running").
		WithDetails("operation", "step")
	if err.Details["state"] != "running" || err.Details["operation"] != "step" {
		t.Errorf("Details = %v", err.Details)
	}

	if d := AttachFailed(7, stderrors.New("x")).Details["pid"]; d != 7 {
		t.Errorf("AttachFailed pid detail = %v", d)
	}
}

func TestPermissionDeniedHints(t *testing.T) {
	tests := []struct {
		operation string
		want      string
	}{
		{"launch", "allowLaunch"},
		{"attach", "allowAttach"},
		{"continue", "'readonly' mode"},
	}
	for _, tt := range tests {
		err := PermissionDenied(tt.operation, "readonly")
		if err.Code != CodePermissionDenied {
			t.Errorf("%s: code = %s", tt.operation, err.Code)
		}
		if !strings.Contains(err.Hint, tt.want) {
			t.Errorf("%s: hint %q does not mention %q", tt.operation, err.Hint, tt.want)
		}
	}
}

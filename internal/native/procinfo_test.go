package native

import (
	"errors"
	"os"
	"testing"
)

func TestIsManagedModule(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/usr/share/dotnet/shared/Microsoft.NETCore.App/8.0.1/libcoreclr.so", true},
		{`C:\Program Files\dotnet\shared\Microsoft.NETCore.App\6.0.25\coreclr.dll`, true},
		{"/usr/local/share/dotnet/shared/Microsoft.NETCore.App/7.0.0/libcoreclr.dylib", true},
		{`C:\Windows\Microsoft.NET\Framework64\v4.0.30319\clr.dll`, true},
		{"/usr/lib/x86_64-linux-gnu/libc.so.6", false},
		{"/usr/bin/python3", false},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			if got := IsManagedModule(tc.path); got != tc.want {
				t.Errorf("IsManagedModule(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestRuntimesFromModules(t *testing.T) {
	modules := []string{
		"/usr/lib/libc.so.6",
		"/usr/share/dotnet/shared/Microsoft.NETCore.App/8.0.1/libcoreclr.so",
		"/usr/share/dotnet/shared/Microsoft.NETCore.App/8.0.1/libcoreclr.so",
		"/opt/custom/libcoreclr.so",
	}

	rts := RuntimesFromModules(42, modules)
	if len(rts) != 2 {
		t.Fatalf("expected 2 runtimes, got %d: %v", len(rts), rts)
	}
	if rts[0].Version != "8.0.1" || rts[0].PID != 42 {
		t.Errorf("unexpected first runtime %+v", rts[0])
	}
	if rts[1].Version != "" {
		t.Errorf("expected no version for custom path, got %q", rts[1].Version)
	}
}

func TestProcessExists(t *testing.T) {
	if !ProcessExists(os.Getpid()) {
		t.Error("current process should exist")
	}
	if ProcessExists(-1) {
		t.Error("negative pid should not exist")
	}
}

func TestEventKindString(t *testing.T) {
	if EventBreakpoint.String() != "breakpoint" {
		t.Errorf("got %s", EventBreakpoint.String())
	}
	if EventKind(99).String() != "event(99)" {
		t.Errorf("got %s", EventKind(99).String())
	}
}

func TestExecutablePathSelf(t *testing.T) {
	path, err := ExecutablePath(os.Getpid())
	if errors.Is(err, ErrNotSupported) {
		t.Skip("not supported on this platform")
	}
	if err != nil {
		t.Fatalf("ExecutablePath failed: %v", err)
	}
	if path == "" {
		t.Error("expected a path for the current process")
	}
}

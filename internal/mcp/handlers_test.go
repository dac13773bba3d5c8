package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/breakpoints"
	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
)

// fakeDebugger records the calls made by the handlers.
type fakeDebugger struct {
	mu       sync.Mutex
	calls    []string
	status   types.SessionInfo
	attachTo int
	timeout  time.Duration
	launched types.LaunchRequest
	bps      []types.Breakpoint
	evalErr  map[string]error
	pub      breakpoints.Publisher
}

func (f *fakeDebugger) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDebugger) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeDebugger) Attach(ctx context.Context, pid int, timeout time.Duration) (types.SessionInfo, error) {
	f.record("attach")
	f.attachTo, f.timeout = pid, timeout
	f.status = types.SessionInfo{State: types.StateRunning, PID: pid, LaunchMode: types.LaunchModeAttach}
	return f.status, nil
}

func (f *fakeDebugger) Launch(ctx context.Context, req types.LaunchRequest) (types.SessionInfo, error) {
	f.record("launch")
	f.launched = req
	f.status = types.SessionInfo{State: types.StateRunning, PID: 4242, LaunchMode: types.LaunchModeLaunch}
	return f.status, nil
}

func (f *fakeDebugger) Detach(ctx context.Context) error     { f.record("detach"); return nil }
func (f *fakeDebugger) Terminate(ctx context.Context) error  { f.record("terminate"); return nil }
func (f *fakeDebugger) Disconnect(ctx context.Context) error { f.record("disconnect"); return nil }
func (f *fakeDebugger) Status() types.SessionInfo            { return f.status }

func (f *fakeDebugger) Continue(ctx context.Context) (types.SessionInfo, error) {
	f.record("continue")
	if f.status.State != types.StatePaused {
		return types.SessionInfo{}, errors.InvalidState("continue", string(f.status.State))
	}
	f.status.State = types.StateRunning
	return f.status, nil
}

func (f *fakeDebugger) Pause(ctx context.Context) (types.SessionInfo, error) {
	f.record("pause")
	f.status.State = types.StatePaused
	return f.status, nil
}

func (f *fakeDebugger) StepOver(ctx context.Context) (types.SessionInfo, error) {
	f.record("over")
	return f.status, nil
}

func (f *fakeDebugger) StepInto(ctx context.Context) (types.SessionInfo, error) {
	f.record("into")
	return f.status, nil
}

func (f *fakeDebugger) StepOut(ctx context.Context) (types.SessionInfo, error) {
	f.record("out")
	return f.status, nil
}

func (f *fakeDebugger) StackTrace(ctx context.Context, threadID int, includeAsync bool) ([]types.StackFrame, error) {
	f.record("stack")
	frames := []types.StackFrame{{Index: 0, Function: "Orders.Api.Handle", Kind: types.FrameSync}}
	if includeAsync {
		frames = append(frames, types.StackFrame{Index: 1, Function: "Orders.Api.Process", Kind: types.FrameAsyncContinuation})
	}
	return frames, nil
}

func (f *fakeDebugger) Evaluate(ctx context.Context, expr string, threadID int) (types.EvaluateResult, error) {
	if err := f.evalErr[expr]; err != nil {
		return types.EvaluateResult{}, err
	}
	return types.EvaluateResult{Expression: expr, Value: "42", Type: "int"}, nil
}

func (f *fakeDebugger) SetBreakpoint(ctx context.Context, req types.BreakpointRequest) (types.Breakpoint, error) {
	if req.File == "" {
		return types.Breakpoint{}, errors.MissingParameter("file", "source file")
	}
	bp := types.Breakpoint{ID: "bp-1", Location: types.SourceLocation{File: req.File, Line: req.Line}, Condition: req.Condition, Enabled: true}
	f.bps = append(f.bps, bp)
	return bp, nil
}

func (f *fakeDebugger) RemoveBreakpoint(ctx context.Context, id string) error {
	f.record("remove " + id)
	return nil
}

func (f *fakeDebugger) EnableBreakpoint(ctx context.Context, id string, enabled bool) (types.Breakpoint, error) {
	return types.Breakpoint{ID: id, Enabled: enabled}, nil
}

func (f *fakeDebugger) Breakpoints() []types.Breakpoint { return f.bps }

func (f *fakeDebugger) Breakpoint(id string) (types.Breakpoint, error) {
	return types.Breakpoint{}, errors.BreakpointNotFound(id)
}

func (f *fakeDebugger) ClearBreakpoints(ctx context.Context) { f.bps = nil }

func (f *fakeDebugger) SymbolStatus(modulePath string) types.SymbolStatus {
	return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolNone, Source: types.SymbolSourceNone}
}

func (f *fakeDebugger) SymbolStatuses() []types.SymbolStatus {
	return []types.SymbolStatus{{ModulePath: "/app/App.dll", Status: types.SymbolLoaded, Source: types.SymbolSourceLocal}}
}

func (f *fakeDebugger) ResolveSymbols(ctx context.Context, modulePath string) (types.SymbolStatus, error) {
	f.record("resolve")
	return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolLoaded, Source: types.SymbolSourceLocal}, nil
}

func (f *fakeDebugger) Modules() []types.ModuleInfo {
	return []types.ModuleInfo{{Path: "/app/App.dll", Name: "App.dll", SymbolStatus: types.SymbolLoaded}}
}

func (f *fakeDebugger) Dropped() int64                  { return 0 }
func (f *fakeDebugger) Close(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeDebugger) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeFull
	cfg.AllowAttach = true
	cfg.AllowLaunch = true
	cfg.AllowTerminate = true
	cfg.AllowEvaluate = true
	if mutate != nil {
		mutate(cfg)
	}
	fake := &fakeDebugger{status: types.SessionInfo{State: types.StateDisconnected}}
	s := NewServer(cfg, func(pub breakpoints.Publisher) Debugger {
		fake.pub = pub
		return fake
	})
	return s, fake
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func decode(t *testing.T, res *mcp.CallToolResult, v interface{}) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func wantError(t *testing.T, res *mcp.CallToolResult, code errors.ErrorCode) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected %s error, got %s", code, resultText(t, res))
	}
	if text := resultText(t, res); !strings.Contains(text, string(code)) {
		t.Errorf("error %q does not carry code %s", text, code)
	}
}

func TestAttachByPID(t *testing.T) {
	s, fake := newTestServer(t, nil)
	ctx := context.Background()

	res, _ := s.handleDebugAttach(ctx, call(map[string]any{"pid": float64(1234), "timeout": float64(3)}))
	var out struct {
		Session types.SessionInfo `json:"session"`
	}
	decode(t, res, &out)
	if fake.attachTo != 1234 || fake.timeout != 3*time.Second {
		t.Errorf("Attach(%d, %v), want 1234, 3s", fake.attachTo, fake.timeout)
	}
	if out.Session.PID != 1234 || out.Session.State != types.StateRunning {
		t.Errorf("session = %+v", out.Session)
	}

	res, _ = s.handleDebugAttach(ctx, call(map[string]any{}))
	wantError(t, res, errors.CodeMissingParameter)
}

func TestAttachDeniedByConfig(t *testing.T) {
	s, fake := newTestServer(t, func(c *config.Config) { c.AllowAttach = false })
	res, _ := s.handleDebugAttach(context.Background(), call(map[string]any{"pid": float64(1)}))
	wantError(t, res, errors.CodePermissionDenied)
	if fake.called("attach") {
		t.Error("attach reached the engine")
	}
}

func writeLaunchJSON(t *testing.T, content string) string {
	t.Helper()
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".vscode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "launch.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return workspace
}

const launchJSON = `{
	"version": "0.2.0",
	"configurations": [
		{
			// main entry point
			"name": "Launch Api",
			"type": "coreclr",
			"request": "launch",
			"program": "${workspaceFolder}/bin/Debug/net8.0/Api.dll",
			"args": ["--urls", "http://localhost:${input:port}"],
			"stopAtEntry": true,
		},
		{
			"name": "Attach Api",
			"type": "coreclr",
			"request": "attach",
			"processId": "${input:pid}",
		},
		{
			"name": "Node",
			"type": "node",
			"request": "launch",
			"program": "index.js"
		}
	],
	"inputs": [
		{"id": "port", "type": "promptString", "default": "5000"},
		{"id": "pid", "type": "promptString"}
	]
}`

func TestLaunchFromConfig(t *testing.T) {
	s, fake := newTestServer(t, nil)
	workspace := writeLaunchJSON(t, launchJSON)

	res, _ := s.handleDebugLaunch(context.Background(), call(map[string]any{
		"configName": "Launch Api",
		"workspace":  workspace,
		"cwd":        "/srv/api",
	}))
	var out map[string]interface{}
	decode(t, res, &out)

	got := fake.launched
	if got.Program != workspace+"/bin/Debug/net8.0/Api.dll" {
		t.Errorf("Program = %q", got.Program)
	}
	if !reflect.DeepEqual(got.Args, []string{"--urls", "http://localhost:5000"}) {
		t.Errorf("Args = %v", got.Args)
	}
	if got.Cwd != "/srv/api" || !got.StopAtEntry {
		t.Errorf("launch request = %+v", got)
	}
	if out["configName"] != "Launch Api" {
		t.Errorf("result = %v", out)
	}
}

func TestLaunchConfigErrors(t *testing.T) {
	s, fake := newTestServer(t, nil)
	workspace := writeLaunchJSON(t, launchJSON)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		code errors.ErrorCode
	}{
		{"unknown config", map[string]any{"configName": "Missing", "workspace": workspace}, errors.CodeConfigNotFound},
		{"other debugger", map[string]any{"configName": "Node", "workspace": workspace}, errors.CodeConfigInvalid},
		{"attach config", map[string]any{"configName": "Attach Api", "workspace": workspace, "inputValues": `{"pid":"1"}`}, errors.CodeConfigInvalid},
		{"bad input json", map[string]any{"configName": "Launch Api", "workspace": workspace, "inputValues": "{"}, errors.CodeInvalidJSON},
		{"no workspace", map[string]any{"configName": "Launch Api"}, errors.CodeMissingParameter},
		{"no program", map[string]any{}, errors.CodeMissingParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := s.handleDebugLaunch(ctx, call(tt.args))
			wantError(t, res, tt.code)
		})
	}
	if fake.called("launch") {
		t.Error("a failing request reached the engine")
	}
}

func TestAttachFromConfigNeedsInput(t *testing.T) {
	s, fake := newTestServer(t, nil)
	workspace := writeLaunchJSON(t, launchJSON)
	ctx := context.Background()

	res, _ := s.handleDebugAttach(ctx, call(map[string]any{"configName": "Attach Api", "workspace": workspace}))
	wantError(t, res, errors.CodeMissingParameter)

	res, _ = s.handleDebugAttach(ctx, call(map[string]any{
		"configName":  "Attach Api",
		"workspace":   workspace,
		"inputValues": `{"pid": "777"}`,
	}))
	decode(t, res, &map[string]interface{}{})
	if fake.attachTo != 777 {
		t.Errorf("attached to %d, want 777", fake.attachTo)
	}

	res, _ = s.handleDebugAttach(ctx, call(map[string]any{"configName": "Attach Api", "workspace": workspace, "pid": float64(55)}))
	decode(t, res, &map[string]interface{}{})
	if fake.attachTo != 55 {
		t.Errorf("attached to %d, want the explicit pid 55", fake.attachTo)
	}
}

func TestLaunchDirectWithCommandLine(t *testing.T) {
	s, fake := newTestServer(t, nil)
	res, _ := s.handleDebugLaunch(context.Background(), call(map[string]any{
		"program":     "/app/App.dll",
		"commandLine": `--name "two words" -v`,
		"env":         map[string]any{"DOTNET_ENVIRONMENT": "Test"},
	}))
	decode(t, res, &map[string]interface{}{})
	want := []string{"--name", "two words", "-v"}
	if !reflect.DeepEqual(fake.launched.Args, want) {
		t.Errorf("Args = %q, want %q", fake.launched.Args, want)
	}
	if fake.launched.Env["DOTNET_ENVIRONMENT"] != "Test" {
		t.Errorf("Env = %v", fake.launched.Env)
	}
}

func TestDisconnect(t *testing.T) {
	tests := []struct {
		name      string
		args      map[string]any
		allowKill bool
		wantCall  string
		wantCode  errors.ErrorCode
	}{
		{"default", map[string]any{}, true, "disconnect", ""},
		{"detach", map[string]any{"terminate": false}, true, "detach", ""},
		{"terminate", map[string]any{"terminate": true}, true, "terminate", ""},
		{"terminate denied", map[string]any{"terminate": true}, false, "", errors.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fake := newTestServer(t, func(c *config.Config) { c.AllowTerminate = tt.allowKill })
			fake.status = types.SessionInfo{State: types.StatePaused, PID: 9, LaunchMode: types.LaunchModeLaunch}
			res, _ := s.handleDebugDisconnect(context.Background(), call(tt.args))
			if tt.wantCode != "" {
				wantError(t, res, tt.wantCode)
				return
			}
			decode(t, res, &map[string]interface{}{})
			if !fake.called(tt.wantCall) {
				t.Errorf("calls = %v, want %s", fake.calls, tt.wantCall)
			}
		})
	}

	s, _ := newTestServer(t, nil)
	res, _ := s.handleDebugDisconnect(context.Background(), call(map[string]any{}))
	wantError(t, res, errors.CodeNoActiveSession)
}

func TestBreakpointActions(t *testing.T) {
	s, fake := newTestServer(t, nil)
	ctx := context.Background()

	res, _ := s.handleDebugBreakpoints(ctx, call(map[string]any{
		"action": "set", "file": "/src/Program.cs", "line": float64(12), "condition": "x > 5",
	}))
	var bp types.Breakpoint
	decode(t, res, &bp)
	if bp.Location.Line != 12 || bp.Condition != "x > 5" {
		t.Errorf("breakpoint = %+v", bp)
	}

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "set", "line": float64(3)}))
	wantError(t, res, errors.CodeMissingParameter)

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "disable", "id": "bp-1"}))
	decode(t, res, &bp)
	if bp.Enabled {
		t.Error("disable returned an enabled breakpoint")
	}

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "remove"}))
	wantError(t, res, errors.CodeMissingParameter)

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "remove", "id": "bp-1"}))
	decode(t, res, &map[string]interface{}{})
	if !fake.called("remove bp-1") {
		t.Error("remove not forwarded")
	}

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "clear"}))
	var cleared struct {
		Removed int `json:"removed"`
	}
	decode(t, res, &cleared)
	if cleared.Removed != 1 || len(fake.bps) != 0 {
		t.Errorf("clear removed %d, %d left", cleared.Removed, len(fake.bps))
	}

	res, _ = s.handleDebugBreakpoints(ctx, call(map[string]any{"action": "explode", "id": "x"}))
	wantError(t, res, errors.CodeInvalidParameter)
}

func TestStepAndContinue(t *testing.T) {
	s, fake := newTestServer(t, nil)
	ctx := context.Background()
	fake.status = types.SessionInfo{State: types.StatePaused, ActiveThreadID: 1}

	for _, typ := range []string{"over", "into", "out"} {
		res, _ := s.handleDebugStep(ctx, call(map[string]any{"type": typ}))
		decode(t, res, &types.SessionInfo{})
		if !fake.called(typ) {
			t.Errorf("step %s not forwarded", typ)
		}
	}
	res, _ := s.handleDebugStep(ctx, call(map[string]any{"type": "sideways"}))
	wantError(t, res, errors.CodeInvalidParameter)

	res, _ = s.handleDebugContinue(ctx, call(nil))
	var info types.SessionInfo
	decode(t, res, &info)
	if info.State != types.StateRunning {
		t.Errorf("state after continue = %s", info.State)
	}
	res, _ = s.handleDebugContinue(ctx, call(nil))
	wantError(t, res, errors.CodeInvalidState)
}

func TestEvaluateBatch(t *testing.T) {
	s, fake := newTestServer(t, nil)
	fake.evalErr = map[string]error{"missing": errors.EvaluationFailed("missing", os.ErrNotExist)}

	res, _ := s.handleDebugEvaluate(context.Background(), call(map[string]any{"expressions": `["x", "missing"]`}))
	var out struct {
		Results []map[string]interface{} `json:"results"`
	}
	decode(t, res, &out)
	if len(out.Results) != 2 {
		t.Fatalf("results = %v", out.Results)
	}
	if out.Results[0]["value"] != "42" {
		t.Errorf("first result = %v", out.Results[0])
	}
	if _, ok := out.Results[1]["error"]; !ok {
		t.Errorf("second result should carry an error: %v", out.Results[1])
	}

	res, _ = s.handleDebugEvaluate(context.Background(), call(map[string]any{}))
	wantError(t, res, errors.CodeMissingParameter)
}

func TestEvaluateDenied(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.AllowEvaluate = false })
	res, _ := s.handleDebugEvaluate(context.Background(), call(map[string]any{"expression": "x"}))
	wantError(t, res, errors.CodePermissionDenied)
}

func TestStackAndSymbols(t *testing.T) {
	s, fake := newTestServer(t, nil)
	ctx := context.Background()
	fake.status = types.SessionInfo{State: types.StatePaused, ActiveThreadID: 7}

	res, _ := s.handleDebugStack(ctx, call(map[string]any{"includeAsync": false}))
	var stack struct {
		ThreadID int                `json:"threadId"`
		Frames   []types.StackFrame `json:"frames"`
	}
	decode(t, res, &stack)
	if stack.ThreadID != 7 || len(stack.Frames) != 1 {
		t.Errorf("stack = %+v", stack)
	}

	res, _ = s.handleDebugSymbols(ctx, call(map[string]any{"modulePath": "/app/App.dll", "action": "resolve"}))
	var status types.SymbolStatus
	decode(t, res, &status)
	if status.Status != types.SymbolLoaded || !fake.called("resolve") {
		t.Errorf("resolve = %+v", status)
	}

	res, _ = s.handleDebugSymbols(ctx, call(map[string]any{"modulePath": "/app/App.dll"}))
	decode(t, res, &status)
	if status.Status != types.SymbolNone {
		t.Errorf("status = %+v", status)
	}

	res, _ = s.handleDebugSymbols(ctx, call(map[string]any{}))
	wantError(t, res, errors.CodeMissingParameter)

	res, _ = s.handleDebugSymbols(ctx, call(map[string]any{"action": "list"}))
	var listed struct {
		Symbols []types.SymbolStatus `json:"symbols"`
	}
	decode(t, res, &listed)
	if len(listed.Symbols) != 1 || listed.Symbols[0].ModulePath != "/app/App.dll" {
		t.Errorf("list = %+v", listed)
	}

	res, _ = s.handleDebugSymbols(ctx, call(map[string]any{"modulePath": "/app/App.dll", "action": "drop"}))
	wantError(t, res, errors.CodeInvalidParameter)
}

func TestModulesRequireSession(t *testing.T) {
	s, fake := newTestServer(t, nil)
	res, _ := s.handleDebugModules(context.Background(), call(nil))
	wantError(t, res, errors.CodeNoActiveSession)

	fake.status.State = types.StateRunning
	res, _ = s.handleDebugModules(context.Background(), call(nil))
	var out struct {
		Modules []types.ModuleInfo `json:"modules"`
	}
	decode(t, res, &out)
	if len(out.Modules) != 1 {
		t.Errorf("modules = %v", out.Modules)
	}
}

func TestListConfigs(t *testing.T) {
	s, _ := newTestServer(t, nil)
	workspace := writeLaunchJSON(t, launchJSON)
	res, _ := s.handleDebugListConfigs(context.Background(), call(map[string]any{"workspace": workspace}))
	var out struct {
		Configurations []struct {
			Name      string `json:"name"`
			Supported bool   `json:"supported"`
		} `json:"configurations"`
	}
	decode(t, res, &out)
	if len(out.Configurations) != 3 || !out.Configurations[0].Supported || out.Configurations[2].Supported {
		t.Errorf("configurations = %+v", out.Configurations)
	}
}

func TestPublisherWithoutClients(t *testing.T) {
	_, fake := newTestServer(t, nil)
	err := fake.pub.Publish(types.Notification{Kind: types.NotifyTracepoint, Message: "hit", Timestamp: time.Now()})
	if err != nil {
		t.Errorf("Publish: %v", err)
	}
}

func TestSplitCommandLine(t *testing.T) {
	got, err := splitCommandLine(`run --config 'a b.json'`)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"run", "--config", "a b.json"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := splitCommandLine("a | b"); err == nil {
		t.Error("pipes should be rejected")
	}
	if _, err := splitCommandLine("`whoami`"); err == nil {
		t.Error("backticks should be rejected")
	}
}

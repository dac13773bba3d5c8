package launchconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

const sampleLaunchJSON = `{
	// Use IntelliSense to learn about possible attributes.
	"version": "0.2.0",
	"configurations": [
		{
			"name": ".NET Core Launch (console)",
			"type": "coreclr",
			"request": "launch",
			"program": "${workspaceFolder}/bin/Debug/net8.0/${workspaceFolderBasename}.dll",
			"args": ["--port", "${input:port}"],
			"cwd": "${workspaceFolder}",
			"env": {"ASPNETCORE_ENVIRONMENT": "Development"},
			"stopAtEntry": true,
			"justMyCode": false, /* inline comment */
			"symbolOptions": {"searchPaths": ["${workspaceFolder}/symbols", "pdbs"], "cachePath": ".symcache"},
		},
		{
			"name": ".NET Core Attach",
			"type": "coreclr",
			"request": "attach",
			"processId": "${input:pid}",
		},
		{
			"name": "Python: Current File",
			"type": "debugpy",
			"request": "launch",
			"program": "${file}"
		}
	],
	"inputs": [
		{"id": "port", "type": "promptString", "default": "5000"},
		{"id": "pid", "type": "promptString"}
	]
}`

func writeWorkspace(t *testing.T, launch string) (workspace, launchPath string) {
	t.Helper()
	workspace = filepath.Join(t.TempDir(), "Orders")
	vscode := filepath.Join(workspace, VSCodeDirName)
	if err := os.MkdirAll(filepath.Join(workspace, "src", "Api"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(vscode, 0o755); err != nil {
		t.Fatal(err)
	}
	launchPath = filepath.Join(vscode, LaunchJSONFileName)
	if err := os.WriteFile(launchPath, []byte(launch), 0o644); err != nil {
		t.Fatal(err)
	}
	return workspace, launchPath
}

func TestParseAcceptsJSONC(t *testing.T) {
	lj, err := Parse([]byte(sampleLaunchJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(lj.Configurations) != 3 {
		t.Fatalf("got %d configurations, want 3", len(lj.Configurations))
	}
	launch := lj.Configurations[0]
	if !launch.IsDotNet() || !launch.IsLaunchRequest() || !launch.StopAtEntry {
		t.Errorf("launch configuration decoded wrong: %+v", launch)
	}
	if launch.JustMyCode == nil || *launch.JustMyCode {
		t.Errorf("justMyCode = %v, want false", launch.JustMyCode)
	}
	if lj.Configurations[2].IsDotNet() {
		t.Error("debugpy configuration reported as .NET")
	}
}

func TestDiscoverWalksUp(t *testing.T) {
	workspace, launchPath := writeWorkspace(t, sampleLaunchJSON)

	got, err := Discover(filepath.Join(workspace, "src", "Api"))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got != launchPath {
		t.Errorf("Discover = %q, want %q", got, launchPath)
	}
	if ws := GetWorkspaceFolder(got); ws != filepath.ToSlash(workspace) {
		t.Errorf("GetWorkspaceFolder = %q, want %q", ws, workspace)
	}

	if _, err := Discover(t.TempDir()); err == nil {
		t.Error("Discover found a launch.json in an empty tree")
	}
}

func TestListConfigurations(t *testing.T) {
	lj, err := Parse([]byte(sampleLaunchJSON))
	if err != nil {
		t.Fatal(err)
	}
	names := ListConfigurationNames(lj)
	want := []string{".NET Core Launch (console)", ".NET Core Attach"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("ListConfigurationNames = %v, want %v", names, want)
	}
	infos := ListConfigurations(lj)
	if len(infos) != 3 || infos[2].Supported {
		t.Errorf("ListConfigurations = %+v", infos)
	}
	if errs := ValidateLaunchJSON(lj); len(errs) != 0 {
		t.Errorf("ValidateLaunchJSON: %v", errs)
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DebugConfiguration
		wantErr bool
	}{
		{"launch", DebugConfiguration{Name: "a", Type: "coreclr", Request: "launch", Program: "App.dll"}, false},
		{"attach", DebugConfiguration{Name: "a", Type: "coreclr", Request: "attach", ProcessID: float64(10)}, false},
		{"missing program", DebugConfiguration{Name: "a", Type: "coreclr", Request: "launch"}, true},
		{"missing pid", DebugConfiguration{Name: "a", Type: "coreclr", Request: "attach"}, true},
		{"wrong debugger", DebugConfiguration{Name: "a", Type: "node", Request: "launch", Program: "x.js"}, true},
		{"bad request", DebugConfiguration{Name: "a", Type: "coreclr", Request: "run"}, true},
		{"no name", DebugConfiguration{Type: "coreclr", Request: "launch", Program: "App.dll"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfiguration(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfiguration() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveVariables(t *testing.T) {
	t.Setenv("CLRDBG_TEST_VAR", "from-env")
	ctx := &ResolutionContext{
		WorkspaceFolder: "/work/Orders",
		CurrentFile:     "/work/Orders/src/Program.cs",
		InputValues:     map[string]string{"port": "8080"},
		EnvOverrides:    map[string]string{"OVERRIDDEN": "yes"},
	}
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"${workspaceFolder}/bin", "/work/Orders/bin", false},
		{"${workspaceFolderBasename}.dll", "Orders.dll", false},
		{"${fileBasenameNoExtension}", "Program", false},
		{"${relativeFile}", filepath.Join("src", "Program.cs"), false},
		{"${env:CLRDBG_TEST_VAR}", "from-env", false},
		{"${env:OVERRIDDEN}", "yes", false},
		{"--port=${input:port}", "--port=8080", false},
		{"${input:missing}", "${input:missing}", true},
		{"${command:pickProcess}", "${command:pickProcess}", true},
		{"${bogus}", "${bogus}", true},
	}
	for _, tt := range tests {
		got, err := ResolveVariables(tt.in, ctx)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveVariables(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ResolveVariables(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigVariableReadsSettings(t *testing.T) {
	workspace, _ := writeWorkspace(t, sampleLaunchJSON)
	settings := `{
		// workspace settings
		"dotnet.defaultSolution": "Orders.sln",
		"orders": {"port": 7001},
	}`
	if err := os.WriteFile(filepath.Join(workspace, VSCodeDirName, "settings.json"), []byte(settings), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := &ResolutionContext{WorkspaceFolder: workspace}
	for in, want := range map[string]string{
		"${config:dotnet.defaultSolution}": "Orders.sln",
		"${config:orders.port}":            "7001",
		"${config:not.there}":              "",
	} {
		got, err := ResolveVariables(in, ctx)
		if err != nil {
			t.Errorf("ResolveVariables(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ResolveVariables(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveToLaunchRequest(t *testing.T) {
	workspace, launchPath := writeWorkspace(t, sampleLaunchJSON)
	lj, err := LoadFromPath(launchPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := FindConfiguration(lj, ".NET Core Launch (console)")
	if err != nil {
		t.Fatal(err)
	}

	ctx := &ResolutionContext{WorkspaceFolder: workspace, InputValues: map[string]string{}}
	if _, err := ResolveConfiguration(cfg, ctx); err == nil {
		t.Fatal("expected missing input error")
	} else if mi, ok := IsMissingInputsError(err); !ok || !reflect.DeepEqual(mi.Inputs, []string{"port"}) {
		t.Fatalf("got %v, want missing input port", err)
	}

	ctx.InputValues = InputDefaults(lj)
	resolved, err := ResolveConfiguration(cfg, ctx)
	if err != nil {
		t.Fatalf("ResolveConfiguration: %v", err)
	}
	req, err := resolved.ToLaunchRequest(5 * time.Second)
	if err != nil {
		t.Fatalf("ToLaunchRequest: %v", err)
	}
	wantProgram := workspace + "/bin/Debug/net8.0/Orders.dll"
	if req.Program != wantProgram {
		t.Errorf("Program = %q, want %q", req.Program, wantProgram)
	}
	if !reflect.DeepEqual(req.Args, []string{"--port", "5000"}) {
		t.Errorf("Args = %v", req.Args)
	}
	if req.Cwd != workspace || !req.StopAtEntry || req.Timeout != 5*time.Second {
		t.Errorf("unexpected request %+v", req)
	}
	wantSymbols := []string{workspace + "/symbols", workspace + "/pdbs", workspace + "/.symcache"}
	if !reflect.DeepEqual(req.SymbolSearchPaths, wantSymbols) {
		t.Errorf("SymbolSearchPaths = %v, want %v", req.SymbolSearchPaths, wantSymbols)
	}
	if cfg.Program == resolved.Program {
		t.Error("resolution modified the source configuration")
	}
	if _, err := resolved.AttachPID(); err == nil {
		t.Error("AttachPID accepted a launch configuration")
	}
}

func TestResolveAttachPID(t *testing.T) {
	lj, err := Parse([]byte(sampleLaunchJSON))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := FindConfiguration(lj, ".NET Core Attach")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := ResolveConfiguration(cfg, &ResolutionContext{InputValues: map[string]string{"pid": " 4242 "}})
	if err != nil {
		t.Fatalf("ResolveConfiguration: %v", err)
	}
	pid, err := resolved.AttachPID()
	if err != nil || pid != 4242 {
		t.Errorf("AttachPID = %d, %v; want 4242", pid, err)
	}

	merged := MergeOverrides(cfg, map[string]interface{}{"processId": float64(17)})
	if pid, err := merged.PID(); err != nil || pid != 17 {
		t.Errorf("merged PID = %d, %v; want 17", pid, err)
	}
	if _, ok := cfg.ProcessID.(string); !ok {
		t.Error("MergeOverrides modified the source configuration")
	}
}

func TestMergeOverrides(t *testing.T) {
	cfg := &DebugConfiguration{Name: "a", Type: "coreclr", Request: "launch", Program: "App.dll", Args: []string{"x"}}
	merged := MergeOverrides(cfg, map[string]interface{}{
		"args":        []interface{}{"--verbose", 3, "y"},
		"env":         map[string]interface{}{"A": "1", "B": 2},
		"stopAtEntry": true,
	})
	if !reflect.DeepEqual(merged.Args, []string{"--verbose", "y"}) {
		t.Errorf("Args = %v", merged.Args)
	}
	if !reflect.DeepEqual(merged.Env, map[string]string{"A": "1"}) {
		t.Errorf("Env = %v", merged.Env)
	}
	if !merged.StopAtEntry || merged.Program != "App.dll" {
		t.Errorf("merged = %+v", merged)
	}
	if MergeOverrides(cfg, nil) != cfg {
		t.Error("empty overrides should return the configuration unchanged")
	}
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	lj, err := Parse([]byte(`{"configurations":[{"name":"a","type":"coreclr","request":"launch","program":"App.dll","logging":{"moduleLoad":false},"requireExactSource":true}]}`))
	if err != nil {
		t.Fatal(err)
	}
	cfg := lj.Configurations[0]
	if cfg.Extra["requireExactSource"] != true {
		t.Errorf("Extra = %v", cfg.Extra)
	}
	clone := cfg.Clone()
	logging, ok := clone.Extra["logging"].(map[string]interface{})
	if !ok || logging["moduleLoad"] != false {
		t.Errorf("clone Extra = %v", clone.Extra)
	}
}

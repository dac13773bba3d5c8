package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cosiner/argv"
	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/internal/launchconfig"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// Session Management Handlers

func (s *Server) handleDebugAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanAttach() {
		return toolError(errors.PermissionDenied("attach", string(s.config.Mode))), nil
	}

	timeout := secondsArg(request, "timeout")
	pid := request.GetInt("pid", 0)

	var configName string
	if name := request.GetString("configName", ""); name != "" {
		var overrides map[string]interface{}
		if pid != 0 {
			overrides = map[string]interface{}{"processId": pid}
		}
		resolved, err := s.resolveLaunchConfig(request, name, overrides)
		if err != nil {
			return toolError(err), nil
		}
		if !resolved.IsAttachRequest() {
			return toolError(errors.ConfigInvalid(name, "this is a launch configuration, use debug_launch instead")), nil
		}
		if pid, err = resolved.AttachPID(); err != nil {
			return toolError(errors.ConfigInvalid(name, err.Error())), nil
		}
		configName = name
	}
	if pid == 0 {
		return toolError(errors.MissingParameter("pid",
			"Specify the process ID of the .NET process, or use configName to load an attach configuration from launch.json.")), nil
	}

	info, err := s.debugger.Attach(ctx, pid, timeout)
	if err != nil {
		return toolError(err), nil
	}
	s.log.WithField("pid", info.PID).Info("attached")

	result := map[string]interface{}{
		"session": info,
	}
	if configName != "" {
		result["configName"] = configName
	}
	return jsonResult(result)
}

func (s *Server) handleDebugLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanLaunch() {
		return toolError(errors.PermissionDenied("launch", string(s.config.Mode))), nil
	}

	overrides, err := launchOverrides(request)
	if err != nil {
		return toolError(err), nil
	}
	timeout := secondsArg(request, "timeout")

	var req types.LaunchRequest
	configName := request.GetString("configName", "")
	if configName != "" {
		resolved, err := s.resolveLaunchConfig(request, configName, overrides)
		if err != nil {
			return toolError(err), nil
		}
		if !resolved.IsLaunchRequest() {
			return toolError(errors.ConfigInvalid(configName, "this is an attach configuration, use debug_attach instead")), nil
		}
		if req, err = resolved.ToLaunchRequest(timeout); err != nil {
			return toolError(errors.ConfigInvalid(configName, err.Error())), nil
		}
	} else {
		program, _ := overrides["program"].(string)
		if program == "" {
			return toolError(errors.MissingParameter("program",
				"Specify the path to the .NET program (apphost or .dll), or use configName to load a launch configuration from launch.json.")), nil
		}
		cfg := launchconfig.MergeOverrides(&launchconfig.DebugConfiguration{Request: "launch"}, overrides)
		req = types.LaunchRequest{
			Program:     cfg.Program,
			Args:        cfg.Args,
			Cwd:         cfg.Cwd,
			Env:         cfg.Env,
			StopAtEntry: cfg.StopAtEntry,
			Timeout:     timeout,
		}
	}

	info, err := s.debugger.Launch(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	s.log.WithFields(logrus.Fields{"pid": info.PID, "program": req.Program}).Info("launched")

	result := map[string]interface{}{
		"session": info,
		"program": req.Program,
	}
	if configName != "" {
		result["configName"] = configName
	}
	return jsonResult(result)
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	before := s.debugger.Status()
	if before.State == types.StateDisconnected {
		return toolError(errors.NoActiveSession()), nil
	}

	var err error
	terminate, explicit := request.GetArguments()["terminate"].(bool)
	switch {
	case explicit && terminate:
		if !s.config.CanTerminate() {
			return toolError(errors.PermissionDenied("terminate", string(s.config.Mode))), nil
		}
		err = s.debugger.Terminate(ctx)
	case explicit:
		err = s.debugger.Detach(ctx)
	default:
		err = s.debugger.Disconnect(ctx)
	}
	if err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"status":     "disconnected",
		"pid":        before.PID,
		"launchMode": before.LaunchMode,
	})
}

func (s *Server) handleDebugStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := map[string]interface{}{
		"session":     s.debugger.Status(),
		"breakpoints": len(s.debugger.Breakpoints()),
	}
	if dropped := s.debugger.Dropped(); dropped > 0 {
		result["droppedNotifications"] = dropped
	}
	return jsonResult(result)
}

// Inspection Handlers

func (s *Server) handleDebugStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID := request.GetInt("threadId", 0)
	includeAsync := request.GetBool("includeAsync", true)

	frames, err := s.debugger.StackTrace(ctx, threadID, includeAsync)
	if err != nil {
		return toolError(err), nil
	}
	if threadID == 0 {
		threadID = s.debugger.Status().ActiveThreadID
	}
	return jsonResult(map[string]interface{}{
		"threadId": threadID,
		"frames":   frames,
	})
}

// handleDebugEvaluate handles single and batch expression evaluation
func (s *Server) handleDebugEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanEvaluate() {
		return toolError(errors.PermissionDenied("evaluate", string(s.config.Mode))), nil
	}
	threadID := request.GetInt("threadId", 0)

	if batch := request.GetString("expressions", ""); batch != "" {
		var exprs []string
		if err := json.Unmarshal([]byte(batch), &exprs); err != nil {
			return toolError(errors.InvalidJSON("expressions", err, `["order.Total", "items.Count"]`)), nil
		}
		results := make([]map[string]interface{}, len(exprs))
		for i, expr := range exprs {
			res, err := s.debugger.Evaluate(ctx, expr, threadID)
			if err != nil {
				results[i] = map[string]interface{}{
					"expression": expr,
					"error":      errors.FromError(err).Message,
				}
				continue
			}
			results[i] = map[string]interface{}{
				"expression": res.Expression,
				"value":      res.Value,
				"type":       res.Type,
			}
		}
		return jsonResult(map[string]interface{}{
			"results": results,
		})
	}

	expr := request.GetString("expression", "")
	if expr == "" {
		return toolError(errors.MissingParameter("expression",
			"Provide either 'expression' for a single evaluation or 'expressions' (JSON array) for batch evaluation.")), nil
	}
	res, err := s.debugger.Evaluate(ctx, expr, threadID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

func (s *Server) handleDebugModules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.debugger.Status().State == types.StateDisconnected {
		return toolError(errors.NoActiveSession()), nil
	}
	return jsonResult(map[string]interface{}{
		"modules": s.debugger.Modules(),
	})
}

func (s *Server) handleDebugSymbols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := request.GetString("action", "status")
	if action == "list" {
		return jsonResult(map[string]interface{}{
			"symbols": s.debugger.SymbolStatuses(),
		})
	}

	modulePath, err := request.RequireString("modulePath")
	if err != nil || strings.TrimSpace(modulePath) == "" {
		return toolError(errors.MissingParameter("modulePath", "Path of the module whose PDB should be looked up, as listed by debug_modules.")), nil
	}

	switch action {
	case "status":
		return jsonResult(s.debugger.SymbolStatus(modulePath))
	case "resolve":
		status, err := s.debugger.ResolveSymbols(ctx, modulePath)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(status)
	default:
		return toolError(errors.InvalidParameter("action", action, "'status', 'resolve' or 'list'")), nil
	}
}

// Control Handlers

func (s *Server) handleDebugBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := request.RequireString("action")
	if err != nil {
		return toolError(errors.MissingParameter("action", "One of 'set', 'remove', 'list', 'enable', 'disable' or 'clear'.")), nil
	}

	switch action {
	case "set":
		req := types.BreakpointRequest{
			File:             request.GetString("file", ""),
			Line:             request.GetInt("line", 0),
			Column:           request.GetInt("column", 0),
			Condition:        request.GetString("condition", ""),
			LogMessage:       request.GetString("logMessage", ""),
			HitCountMultiple: request.GetInt("hitCountMultiple", 0),
			MaxNotifications: request.GetInt("maxNotifications", 0),
		}
		bp, err := s.debugger.SetBreakpoint(ctx, req)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(bp)

	case "list":
		return jsonResult(map[string]interface{}{
			"breakpoints": s.debugger.Breakpoints(),
		})

	case "clear":
		n := len(s.debugger.Breakpoints())
		s.debugger.ClearBreakpoints(ctx)
		return jsonResult(map[string]interface{}{
			"removed": n,
		})
	}

	id := request.GetString("id", "")
	if id == "" {
		return toolError(errors.MissingParameter("id", "The breakpoint ID returned by action='set' or listed by action='list'.")), nil
	}

	switch action {
	case "remove":
		if err := s.debugger.RemoveBreakpoint(ctx, id); err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]interface{}{
			"removed": id,
		})
	case "enable", "disable":
		bp, err := s.debugger.EnableBreakpoint(ctx, id, action == "enable")
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(bp)
	default:
		return toolError(errors.InvalidParameter("action", action, "'set', 'remove', 'list', 'enable', 'disable' or 'clear'")), nil
	}
}

func (s *Server) handleDebugContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.debugger.Continue(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(info)
}

func (s *Server) handleDebugPause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.debugger.Pause(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(info)
}

// handleDebugStep consolidates step over, into and out into one tool
func (s *Server) handleDebugStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepType, err := request.RequireString("type")
	if err != nil {
		return toolError(errors.MissingParameter("type", "Step type: 'over', 'into' or 'out'.")), nil
	}

	var info types.SessionInfo
	switch stepType {
	case "over":
		info, err = s.debugger.StepOver(ctx)
	case "into":
		info, err = s.debugger.StepInto(ctx)
	case "out":
		info, err = s.debugger.StepOut(ctx)
	default:
		return toolError(errors.InvalidParameter("type", stepType, "'over', 'into', or 'out'")), nil
	}
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(info)
}

// Launch.json Configuration Handlers

func (s *Server) handleDebugListConfigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lj, foundPath, err := loadLaunchJSON(request, true)
	if err != nil {
		return toolError(err), nil
	}

	result := map[string]interface{}{
		"configPath":     foundPath,
		"configurations": launchconfig.ListConfigurations(lj),
	}
	if errs := launchconfig.ValidateLaunchJSON(lj); len(errs) > 0 {
		warnings := make([]string, len(errs))
		for i, e := range errs {
			warnings[i] = e.Error()
		}
		result["validationWarnings"] = warnings
	}
	return jsonResult(result)
}

// loadLaunchJSON loads launch.json from configPath, or discovers it from
// workspace. allowCwd falls back to the current directory.
func loadLaunchJSON(request mcp.CallToolRequest, allowCwd bool) (*launchconfig.LaunchJSON, string, error) {
	workspace := request.GetString("workspace", "")
	configPath := request.GetString("configPath", "")

	var (
		lj  *launchconfig.LaunchJSON
		err error
	)
	switch {
	case configPath != "":
		lj, err = launchconfig.LoadFromPath(configPath)
	case workspace != "" || allowCwd:
		lj, configPath, err = launchconfig.LoadAndDiscover(workspace)
	default:
		return nil, "", errors.MissingParameter("workspace", "workspace or configPath is required when using configName")
	}
	if err != nil {
		return nil, "", errors.Wrap(errors.CodeConfigNotFound, fmt.Sprintf("failed to load launch.json: %v", err),
			"Pass configPath explicitly or a workspace containing .vscode/launch.json.", err)
	}
	return lj, configPath, nil
}

// resolveLaunchConfig loads, selects and resolves a coreclr configuration.
// overrides are applied before variable substitution.
func (s *Server) resolveLaunchConfig(request mcp.CallToolRequest, name string, overrides map[string]interface{}) (*launchconfig.ResolvedConfiguration, error) {
	lj, configPath, err := loadLaunchJSON(request, false)
	if err != nil {
		return nil, err
	}

	cfg, err := launchconfig.FindConfiguration(lj, name)
	if err != nil {
		return nil, errors.ConfigNotFound(name, launchconfig.ListConfigurationNames(lj))
	}
	if !cfg.IsDotNet() {
		return nil, errors.ConfigInvalid(name, fmt.Sprintf("type %q is not a .NET debugger configuration", cfg.Type))
	}
	cfg = launchconfig.MergeOverrides(cfg, overrides)
	if err := launchconfig.ValidateConfiguration(cfg); err != nil {
		return nil, errors.ConfigInvalid(name, err.Error())
	}

	resCtx := &launchconfig.ResolutionContext{
		WorkspaceFolder: request.GetString("workspace", ""),
		InputValues:     launchconfig.InputDefaults(lj),
	}
	if resCtx.WorkspaceFolder == "" {
		resCtx.WorkspaceFolder = launchconfig.GetWorkspaceFolder(configPath)
	}
	if raw := request.GetString("inputValues", ""); raw != "" {
		var provided map[string]string
		if err := json.Unmarshal([]byte(raw), &provided); err != nil {
			return nil, errors.InvalidJSON("inputValues", err, `{"pid": "4242"}`)
		}
		for k, v := range provided {
			resCtx.InputValues[k] = v
		}
	}

	resolved, err := launchconfig.ResolveConfiguration(cfg, resCtx)
	if err != nil {
		if missing, ok := launchconfig.IsMissingInputsError(err); ok {
			return nil, errors.MissingParameter("inputValues",
				fmt.Sprintf("launch.json needs values for: %s. Provide them via inputValues.", strings.Join(missing.Inputs, ", ")))
		}
		return nil, errors.ConfigInvalid(name, err.Error())
	}
	return resolved, nil
}

// launchOverrides collects the direct launch arguments present in the request.
func launchOverrides(request mcp.CallToolRequest) (map[string]interface{}, error) {
	args := request.GetArguments()
	overrides := make(map[string]interface{})
	for _, key := range []string{"program", "cwd", "env", "stopAtEntry"} {
		if v, ok := args[key]; ok && v != nil {
			overrides[key] = v
		}
	}
	if v, ok := args["args"]; ok && v != nil {
		overrides["args"] = v
	} else if cmdline := request.GetString("commandLine", ""); cmdline != "" {
		split, err := splitCommandLine(cmdline)
		if err != nil {
			return nil, errors.InvalidParameter("commandLine", cmdline, "a shell-style argument string")
		}
		overrides["args"] = split
	}
	return overrides, nil
}

// splitCommandLine splits a shell-style argument string into argv.
func splitCommandLine(cmdline string) ([]string, error) {
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("pipes are not supported in '%s'", cmdline)
	}
	return v[0], nil
}

// secondsArg reads an optional timeout given in seconds.
func secondsArg(request mcp.CallToolRequest, key string) time.Duration {
	secs := request.GetFloat(key, 0)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// toolError renders err with its code so clients can branch on it.
func toolError(err error) *mcp.CallToolResult {
	de := errors.FromError(err)
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", de.Code, de.Error()))
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

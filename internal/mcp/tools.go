package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the debug tool set for the configured mode
func (s *Server) registerTools() {
	// Session and inspection (both modes)
	s.registerDebugAttach()
	s.registerDebugDisconnect()
	s.registerDebugStatus()
	s.registerDebugStack()
	s.registerDebugEvaluate()
	s.registerDebugModules()
	s.registerDebugSymbols()
	s.registerDebugListConfigs()

	// Control (full mode only)
	if s.config.CanUseControlTools() {
		s.registerDebugLaunch()
		s.registerDebugBreakpoints()
		s.registerDebugContinue()
		s.registerDebugPause()
		s.registerDebugStep()
	}
}

// Session Management Tools

func (s *Server) registerDebugAttach() {
	tool := mcp.NewTool("debug_attach",
		mcp.WithDescription("Attach to a running .NET (CoreCLR) process. Only one session can be active at a time. Can use a pid directly OR reference a coreclr attach configuration in VS Code launch.json."),
		mcp.WithNumber("pid",
			mcp.Description("Process ID of the .NET process. Not required if configName is provided."),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait for the attach to complete (default from server configuration)"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of a coreclr attach configuration in launch.json."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for variable resolution and config discovery."),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json. Example: {\"pid\": \"4242\"}"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugAttach)
}

func (s *Server) registerDebugLaunch() {
	tool := mcp.NewTool("debug_launch",
		mcp.WithDescription("Launch a .NET program (an apphost executable or a .dll run through the dotnet host) under the debugger. Can use direct arguments OR reference a coreclr launch configuration in VS Code launch.json. Use stopAtEntry=true to pause before user code runs."),
		mcp.WithString("program",
			mcp.Description("Path to the program to debug. Not required if configName is provided."),
		),
		mcp.WithArray("args",
			mcp.Description("Program arguments as an array of strings"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("commandLine",
			mcp.Description("Program arguments as a single shell-style string, split with shell quoting rules. Ignored when args is given."),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the program"),
		),
		mcp.WithObject("env",
			mcp.Description("Environment variables for the program"),
		),
		mcp.WithBoolean("stopAtEntry",
			mcp.Description("Pause at the program entry point (default: false)"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait for the launch to complete (default from server configuration)"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of a coreclr launch configuration in launch.json. Direct arguments override its values."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for variable resolution (e.g., ${workspaceFolder}) and config discovery."),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json. Example: {\"port\": \"5000\"}"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugLaunch)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("End the debug session. Attached processes are detached and keep running. Launched processes are terminated unless terminate=false."),
		mcp.WithBoolean("terminate",
			mcp.Description("true kills a launched debuggee, false detaches and leaves it running. Attached processes can never be terminated."),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugStatus() {
	tool := mcp.NewTool("debug_status",
		mcp.WithDescription("Get the session state: disconnected, running or paused, with pause reason, current location and active thread."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStatus)
}

// Inspection Tools

func (s *Server) registerDebugStack() {
	tool := mcp.NewTool("debug_stack",
		mcp.WithDescription("Get the call stack of a paused thread. With includeAsync=true the logical async call chain (awaiting callers of async methods) is appended after the physical frames."),
		mcp.WithNumber("threadId",
			mcp.Description("Thread ID (default: the thread that caused the pause)"),
		),
		mcp.WithBoolean("includeAsync",
			mcp.Description("Reconstruct async continuation frames (default: true)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStack)
}

func (s *Server) registerDebugEvaluate() {
	tool := mcp.NewTool("debug_evaluate",
		mcp.WithDescription("Evaluate one or more C# expressions in the top frame of a paused thread. Supports a single expression OR batch mode."),
		mcp.WithString("expression",
			mcp.Description("Single expression to evaluate (e.g., 'order.Total', 'items.Count > 3')"),
		),
		mcp.WithString("expressions",
			mcp.Description("JSON array of expressions for batch evaluation: [\"x\", \"y\", \"items.Count\"]"),
		),
		mcp.WithNumber("threadId",
			mcp.Description("Thread ID (default: the thread that caused the pause)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugEvaluate)
}

func (s *Server) registerDebugModules() {
	tool := mcp.NewTool("debug_modules",
		mcp.WithDescription("List modules loaded in the debuggee with their symbol (PDB) status."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugModules)
}

func (s *Server) registerDebugSymbols() {
	tool := mcp.NewTool("debug_symbols",
		mcp.WithDescription("Query or trigger PDB resolution for a module. action='status' reports the current state, action='resolve' searches next to the module, embedded data, the local cache and symbol servers. action='list' reports every module seen so far."),
		mcp.WithString("modulePath",
			mcp.Description("Path of the module (.dll or .exe). Required unless action is 'list'."),
		),
		mcp.WithString("action",
			mcp.Description("'status' (default), 'resolve' or 'list'"),
			mcp.Enum("status", "resolve", "list"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSymbols)
}

func (s *Server) registerDebugListConfigs() {
	tool := mcp.NewTool("debug_list_configs",
		mcp.WithDescription("List debug configurations in VS Code launch.json. Only coreclr configurations are supported by debug_launch and debug_attach."),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file"),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root to search for .vscode/launch.json (default: current directory)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugListConfigs)
}

// Control Tools (Full mode only)

func (s *Server) registerDebugBreakpoints() {
	tool := mcp.NewTool("debug_breakpoints",
		mcp.WithDescription("Manage breakpoints. Breakpoints can be set before a session starts and bind when their module loads. "+
			"A breakpoint with logMessage is a tracepoint: it logs and resumes without pausing. "+
			"Conditions are C# boolean expressions; simple comparisons on locals and hitCount are evaluated without the debuggee."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("'set', 'remove', 'list', 'enable', 'disable' or 'clear'"),
			mcp.Enum("set", "remove", "list", "enable", "disable", "clear"),
		),
		mcp.WithString("file",
			mcp.Description("Source file path (set)"),
		),
		mcp.WithNumber("line",
			mcp.Description("1-based line number (set)"),
		),
		mcp.WithNumber("column",
			mcp.Description("1-based column for statements sharing a line (set)"),
		),
		mcp.WithString("condition",
			mcp.Description("Boolean expression; the breakpoint only triggers when it is true (set)"),
		),
		mcp.WithString("logMessage",
			mcp.Description("Message template with {expression} placeholders; makes the breakpoint a tracepoint (set)"),
		),
		mcp.WithNumber("hitCountMultiple",
			mcp.Description("Only trigger on every Nth hit (set)"),
		),
		mcp.WithNumber("maxNotifications",
			mcp.Description("Disable the tracepoint after this many messages (set)"),
		),
		mcp.WithString("id",
			mcp.Description("Breakpoint ID (remove, enable, disable)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugBreakpoints)
}

func (s *Server) registerDebugContinue() {
	tool := mcp.NewTool("debug_continue",
		mcp.WithDescription("Resume the paused process. Returns immediately; watch notifications or call debug_status to learn when it stops again."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugContinue)
}

func (s *Server) registerDebugPause() {
	tool := mcp.NewTool("debug_pause",
		mcp.WithDescription("Pause the running process so its state can be inspected."),
	)
	s.mcpServer.AddTool(tool, s.handleDebugPause)
}

func (s *Server) registerDebugStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Step the paused thread. Use type='over' to step to the next line, 'into' to enter calls, 'out' to return to the caller. Follow with debug_stack to see the new location."),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Step type: 'over', 'into' or 'out'"),
			mcp.Enum("over", "into", "out"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStep)
}

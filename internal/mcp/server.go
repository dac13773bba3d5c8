// Package mcp exposes the .NET debugging engine as Model Context Protocol tools.
//
// Tools available in every mode:
//   - debug_attach: Attach to a running .NET process
//   - debug_disconnect: End the session (detach or terminate)
//   - debug_status: Snapshot of the session state
//   - debug_stack: Stack trace with optional async continuation frames
//   - debug_evaluate: Evaluate a C# expression in the paused frame
//   - debug_modules: Loaded modules and their symbol status
//   - debug_symbols: Query or trigger symbol resolution for a module
//   - debug_list_configs: List coreclr configurations in launch.json
//
// Control (full mode only):
//   - debug_launch: Launch a program under the debugger
//   - debug_breakpoints: Set, remove, list, enable or clear breakpoints
//   - debug_continue, debug_pause, debug_step: Execution control
//
// Engine notifications (state changes, tracepoint output, breakpoint hits)
// are pushed to every connected client as notifications/message.
package mcp

import (
	"context"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/breakpoints"
	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/version"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// Debugger is the engine surface driven by the tools.
type Debugger interface {
	Attach(ctx context.Context, pid int, timeout time.Duration) (types.SessionInfo, error)
	Launch(ctx context.Context, req types.LaunchRequest) (types.SessionInfo, error)
	Detach(ctx context.Context) error
	Terminate(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() types.SessionInfo

	Continue(ctx context.Context) (types.SessionInfo, error)
	Pause(ctx context.Context) (types.SessionInfo, error)
	StepOver(ctx context.Context) (types.SessionInfo, error)
	StepInto(ctx context.Context) (types.SessionInfo, error)
	StepOut(ctx context.Context) (types.SessionInfo, error)
	StackTrace(ctx context.Context, threadID int, includeAsync bool) ([]types.StackFrame, error)
	Evaluate(ctx context.Context, expr string, threadID int) (types.EvaluateResult, error)

	SetBreakpoint(ctx context.Context, req types.BreakpointRequest) (types.Breakpoint, error)
	RemoveBreakpoint(ctx context.Context, id string) error
	EnableBreakpoint(ctx context.Context, id string, enabled bool) (types.Breakpoint, error)
	Breakpoints() []types.Breakpoint
	Breakpoint(id string) (types.Breakpoint, error)
	ClearBreakpoints(ctx context.Context)

	SymbolStatus(modulePath string) types.SymbolStatus
	SymbolStatuses() []types.SymbolStatus
	ResolveSymbols(ctx context.Context, modulePath string) (types.SymbolStatus, error)
	Modules() []types.ModuleInfo

	Dropped() int64
	Close(ctx context.Context) error
}

// notificationMethod is the MCP logging notification used for engine events.
const notificationMethod = "notifications/message"

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	debugger  Debugger
	config    *config.Config
	log       *logrus.Entry
}

// NewServer creates the MCP server. newDebugger receives the publisher
// that forwards engine notifications to connected clients.
func NewServer(cfg *config.Config, newDebugger func(breakpoints.Publisher) Debugger) *Server {
	mcpServer := server.NewMCPServer(
		"clrdbg-mcp",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		config:    cfg,
		log:       logflags.MCPLogger(),
	}
	s.debugger = newDebugger(breakpoints.PublisherFunc(s.publish))

	s.registerTools()
	return s
}

// publish forwards an engine notification to every client.
func (s *Server) publish(n types.Notification) error {
	level := "info"
	switch n.Kind {
	case types.NotifyStateChanged:
		if n.Reason == types.PauseException {
			level = "warning"
		}
	case types.NotifyOutput:
		level = "debug"
	}
	s.log.WithField("kind", n.Kind).Debug("publishing notification")
	s.mcpServer.SendNotificationToAllClients(notificationMethod, map[string]any{
		"level":  level,
		"logger": "clrdbg",
		"data":   n,
	})
	return nil
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close ends any debug session and flushes pending notifications.
func (s *Server) Close(ctx context.Context) error {
	return s.debugger.Close(ctx)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

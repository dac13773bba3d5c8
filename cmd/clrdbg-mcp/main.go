package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ctagard/clrdbg-mcp/internal/breakpoints"
	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/dap"
	"github.com/ctagard/clrdbg-mcp/internal/engine"
	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/mcp"
	"github.com/ctagard/clrdbg-mcp/internal/symbols"
	"github.com/ctagard/clrdbg-mcp/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath string
	mode       string
	logFlag    bool
	logOutput  string
	checkFlag  bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "clrdbg-mcp",
		Short: "MCP server for debugging .NET (CoreCLR) processes.",
		Long: `clrdbg-mcp exposes a .NET debugger to MCP clients over stdio.

It attaches to or launches CoreCLR processes through netcoredbg, manages
conditional breakpoints and tracepoints, resolves PDBs from local files and
symbol servers, and reconstructs async call stacks.

Add it to an MCP client configuration:

    {
        "mcpServers": {
            "clrdbg": {
                "command": "clrdbg-mcp",
                "args": ["--mode", "full"]
            }
        }
    }`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	addServeFlags(rootCommand.Flags())

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "clrdbg-mcp version %s\n", version.Version)
			if !checkFlag {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			info, err := version.CheckForUpdates(ctx, nil)
			if err != nil {
				return err
			}
			if msg := info.UpdateMessage(); msg != "" {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "You are running the latest version.")
			}
			return nil
		},
	}
	versionCommand.Flags().BoolVar(&checkFlag, "check", false, "Check GitHub for a newer release.")
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", "", "Path to configuration file (JSON or YAML).")
	fs.StringVar(&mode, "mode", "", "Capability mode: 'readonly' or 'full' (overrides the configuration file).")
	fs.BoolVar(&logFlag, "log", false, "Enable logging to stderr.")
	fs.StringVar(&logOutput, "log-output", "", `Comma separated list of layers that should produce logs:
	engine	Session state machine (default)
	breakpoints	Breakpoint binding, conditions and notifications
	symbols	PDB resolution and symbol server downloads
	asyncstack	Async continuation walking
	dap	Traffic with netcoredbg
	mcp	Tool calls
	all	Every layer`)
}

func serve() error {
	if err := logflags.Setup(logFlag, logOutput, os.Stderr); err != nil {
		return err
	}
	log := logflags.MCPLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	switch config.CapabilityMode(mode) {
	case "":
	case config.ModeReadOnly, config.ModeFull:
		cfg.Mode = config.CapabilityMode(mode)
	default:
		return fmt.Errorf("invalid --mode %q: must be 'readonly' or 'full'", mode)
	}

	var resolver engine.SymbolResolver
	r, err := symbols.NewResolver(symbols.Options{
		ServersEnabled:         cfg.Symbols.Enabled,
		CacheDir:               cfg.Symbols.CacheDir,
		Servers:                cfg.Symbols.Servers,
		Timeout:                cfg.Symbols.Timeout.Std(),
		MaxFileSize:            cfg.Symbols.MaxFileSize,
		MaxConcurrentDownloads: cfg.Symbols.MaxConcurrentDownloads,
		DebugInfoCacheSize:     cfg.Symbols.DebugInfoCacheSize,
		Log:                    logflags.SymbolsLogger(),
	})
	if err != nil {
		log.Warnf("symbol resolution disabled: %v", err)
	} else {
		resolver = r
	}

	backend := dap.NewBackend(cfg.Debugger, cfg.Symbols.CacheDir)
	server := mcp.NewServer(cfg, func(pub breakpoints.Publisher) mcp.Debugger {
		return engine.New(cfg.Engine, backend, resolver, pub)
	})

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Close(ctx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		shutdown()
		os.Exit(0)
	}()

	log.WithField("mode", cfg.Mode).Info("clrdbg-mcp server starting")
	err = server.ServeStdio()
	shutdown()
	return err
}

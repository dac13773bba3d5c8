// Package logflags configures per-layer loggers.
//
// Every layer logs through its own logrus entry tagged with a "layer" field.
// A layer is silent unless it is named in the --log-output list.
package logflags

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	mu      sync.RWMutex
	enabled = map[string]bool{}
	out     io.Writer = os.Stderr
)

// Known layers.
const (
	LayerEngine      = "engine"
	LayerBreakpoints = "breakpoints"
	LayerSymbols     = "symbols"
	LayerAsyncStack  = "asyncstack"
	LayerDAP         = "dap"
	LayerMCP         = "mcp"
)

var allLayers = []string{LayerEngine, LayerBreakpoints, LayerSymbols, LayerAsyncStack, LayerDAP, LayerMCP}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the layers listed in logstr. With logFlag unset nothing is
// logged. An empty logstr with logFlag set enables the engine layer only;
// "all" enables every layer.
func Setup(logFlag bool, logstr string, dest io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	enabled = map[string]bool{}
	if dest != nil {
		out = dest
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = LayerEngine
	}
	for _, layer := range strings.Split(logstr, ",") {
		layer = strings.TrimSpace(layer)
		if layer == "all" {
			for _, l := range allLayers {
				enabled[l] = true
			}
			continue
		}
		enabled[layer] = true
	}
	return nil
}

// Enabled reports whether a layer logs.
func Enabled(layer string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled[layer]
}

func makeLogger(layer string) *logrus.Entry {
	mu.RLock()
	flag := enabled[layer]
	dest := out
	mu.RUnlock()

	logger := logrus.New()
	logger.Out = dest
	logger.Formatter = &logrus.TextFormatter{
		DisableColors: !isTerminal(dest),
		FullTimestamp: true,
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithField("layer", layer)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// EngineLogger returns the logger for the session state machine.
func EngineLogger() *logrus.Entry { return makeLogger(LayerEngine) }

// BreakpointsLogger returns the logger for breakpoint and condition handling.
func BreakpointsLogger() *logrus.Entry { return makeLogger(LayerBreakpoints) }

// SymbolsLogger returns the logger for symbol resolution.
func SymbolsLogger() *logrus.Entry { return makeLogger(LayerSymbols) }

// AsyncStackLogger returns the logger for async stack reconstruction.
func AsyncStackLogger() *logrus.Entry { return makeLogger(LayerAsyncStack) }

// DAPLogger returns the logger for the netcoredbg wire protocol.
func DAPLogger() *logrus.Entry { return makeLogger(LayerDAP) }

// MCPLogger returns the logger for the tool server.
func MCPLogger() *logrus.Entry { return makeLogger(LayerMCP) }

// Discard returns a logger that drops everything. Used as a default by
// components constructed without a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.Level = logrus.PanicLevel
	return logrus.NewEntry(logger)
}

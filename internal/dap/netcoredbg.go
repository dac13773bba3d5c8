package dap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/config"
	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
)

const clientID = "clrdbg-mcp"

// Backend is a native.Backend driving netcoredbg over DAP. Each Target owns
// one netcoredbg connection.
type Backend struct {
	adapter Adapter
	log     *logrus.Entry
	// symbolPaths are sent as symbolOptions.searchPaths on every launch and
	// attach so PDBs extracted or downloaded into the symbol cache are found.
	symbolPaths []string

	mu sync.Mutex
	// launched holds targets created by CreateSuspended until the engine
	// opens them, keyed by debuggee pid.
	launched map[int]*target
}

// NewBackend creates a netcoredbg backend from the debugger configuration.
// symbolPaths are PDB search directories, typically the symbol cache root.
func NewBackend(cfg config.DebuggerConfig, symbolPaths ...string) *Backend {
	log := logflags.DAPLogger()
	path := cfg.NetcoredbgPath
	if path == "" {
		path = "netcoredbg"
	}
	return &Backend{
		adapter: Adapter{
			Path:      path,
			ExtraArgs: cfg.ExtraArgs,
			Address:   cfg.Address,
			Timeout:   cfg.RequestTimeout.Std(),
			Log:       log,
		},
		log:         log,
		symbolPaths: mergePaths(nil, symbolPaths),
		launched:    make(map[int]*target),
	}
}

// EnumerateRuntimes lists the CoreCLR instances loaded in pid. On platforms
// where modules cannot be listed a single instance is assumed and netcoredbg
// has the final word at attach time.
func (b *Backend) EnumerateRuntimes(ctx context.Context, pid int) ([]native.RuntimeInstance, error) {
	b.mu.Lock()
	t, ok := b.launched[pid]
	b.mu.Unlock()
	if ok {
		t.mu.Lock()
		rt := t.runtime
		t.mu.Unlock()
		return []native.RuntimeInstance{rt}, nil
	}

	modules, err := native.LoadedModules(pid)
	if errors.Is(err, native.ErrNotSupported) {
		b.log.Debugf("module listing unavailable for pid %d, assuming one runtime", pid)
		return []native.RuntimeInstance{{PID: pid}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list modules of process %d: %w", pid, err)
	}
	return native.RuntimesFromModules(pid, modules), nil
}

// Open returns a Target for rt. A runtime produced by CreateSuspended gets
// the target that launched it; any other runtime gets a fresh netcoredbg.
func (b *Backend) Open(ctx context.Context, rt native.RuntimeInstance, sink chan<- native.Event) (native.Target, error) {
	b.mu.Lock()
	t, ok := b.launched[rt.PID]
	if ok {
		delete(b.launched, rt.PID)
	}
	b.mu.Unlock()
	if ok {
		t.setSink(sink)
		return t, nil
	}

	t = newTarget(b.log)
	t.symbolPaths = b.symbolPaths
	t.setSink(sink)
	if err := t.connect(ctx, &b.adapter); err != nil {
		return nil, err
	}
	t.runtime = rt
	return t, nil
}

// CreateSuspended launches spec under netcoredbg stopped at entry. The
// entry stop stands in for the runtime-startup callback: once it arrives
// the runtime is reported on Startup.Runtime and the debuggee stays
// suspended until the engine resumes it.
func (b *Backend) CreateSuspended(ctx context.Context, spec native.LaunchSpec, sink chan<- native.Event) (*native.Startup, error) {
	t := newTarget(b.log)
	t.symbolPaths = mergePaths(b.symbolPaths, spec.SymbolSearchPaths)
	t.setSink(sink)
	runtime := make(chan native.RuntimeInstance, 1)
	t.startup = func(rt native.RuntimeInstance, ok bool) {
		if ok {
			b.mu.Lock()
			b.launched[rt.PID] = t
			b.mu.Unlock()
			runtime <- rt
		}
		close(runtime)
	}

	if err := t.connect(ctx, &b.adapter); err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"name":        "clrdbg-mcp",
		"type":        "coreclr",
		"request":     "launch",
		"program":     spec.Program,
		"args":        nonNil(spec.Args),
		"stopAtEntry": true,
		"console":     "internalConsole",
	}
	if spec.Cwd != "" {
		args["cwd"] = spec.Cwd
	}
	if len(spec.Env) > 0 {
		args["env"] = spec.Env
	}
	if opts := t.symbolOptions(); opts != nil {
		args["symbolOptions"] = opts
	}

	pending, err := t.client.LaunchAsync(args)
	if err == nil {
		err = t.configure(ctx, pending)
	}
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	var once sync.Once
	abort := func() {
		once.Do(func() {
			b.mu.Lock()
			for pid, lt := range b.launched {
				if lt == t {
					delete(b.launched, pid)
				}
			}
			b.mu.Unlock()
			_ = t.Terminate(context.Background())
			_ = t.Close()
		})
	}

	return &native.Startup{
		PID:     t.processID(),
		Runtime: runtime,
		Abort:   abort,
	}, nil
}

// runtimeFromModule derives the runtime from the path of a framework
// assembly, as in .../Microsoft.NETCore.App/8.0.1/System.Private.CoreLib.dll.
func runtimeFromModule(pid int, path string) (native.RuntimeInstance, bool) {
	if !strings.EqualFold(baseName(path), "System.Private.CoreLib.dll") {
		return native.RuntimeInstance{}, false
	}
	dir := dirName(path)
	rt := native.RuntimeInstance{PID: pid, Path: dir}
	if v := baseName(dir); v != "" && v[0] >= '0' && v[0] <= '9' {
		rt.Version = v
	}
	return rt, true
}

func baseName(p string) string {
	return filepath.Base(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
}

func dirName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// mergePaths appends the non-empty entries of extra to base, skipping
// duplicates.
func mergePaths(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p] = true
	}
	for _, p := range extra {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// parseProcessID reads an integer evaluation result such as "4242" or
// "0x1092".
func parseProcessID(s string) (int, bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int(n), true
}

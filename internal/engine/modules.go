package engine

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/ctagard/clrdbg-mcp/internal/errors"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// SymbolStatus reports the PDB resolution state of a module.
func (e *Engine) SymbolStatus(modulePath string) types.SymbolStatus {
	if e.symbols == nil {
		return types.SymbolStatus{ModulePath: modulePath, Status: types.SymbolNone, Source: types.SymbolSourceNone}
	}
	return e.symbols.Status(modulePath)
}

// SymbolStatuses lists every module seen by the resolver, by path.
func (e *Engine) SymbolStatuses() []types.SymbolStatus {
	if e.symbols == nil {
		return nil
	}
	out := e.symbols.Statuses()
	sort.Slice(out, func(i, j int) bool { return out[i].ModulePath < out[j].ModulePath })
	return out
}

// ResolveSymbols resolves the PDB of a module now, waiting for any download.
func (e *Engine) ResolveSymbols(ctx context.Context, modulePath string) (types.SymbolStatus, error) {
	if modulePath == "" {
		return types.SymbolStatus{}, errors.MissingParameter("modulePath", "path of the loaded module (.dll or .exe)")
	}
	if e.symbols == nil {
		return e.SymbolStatus(modulePath), nil
	}
	return e.symbols.Resolve(ctx, modulePath)
}

// Modules lists the modules loaded in the current session in load order.
func (e *Engine) Modules() []types.ModuleInfo {
	e.mu.Lock()
	var paths []string
	if e.session != nil {
		paths = append(paths, e.session.modules...)
	}
	e.mu.Unlock()

	out := make([]types.ModuleInfo, 0, len(paths))
	for _, p := range paths {
		st := e.SymbolStatus(p)
		out = append(out, types.ModuleInfo{
			Path:         p,
			Name:         filepath.Base(p),
			SymbolStatus: st.Status,
			PdbPath:      st.PdbPath,
		})
	}
	return out
}

package symbols

import (
	"sort"
	"sync"

	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// Store memoizes per-module resolution status.
// Once a module reaches a terminal status the store refuses further updates.
type Store interface {
	Get(key string) (types.SymbolStatus, bool)
	// InsertIfAbsent stores st unless key is present. It returns the stored
	// value and whether st was inserted.
	InsertIfAbsent(key string, st types.SymbolStatus) (types.SymbolStatus, bool)
	// Update replaces the value for key. It returns false if the current
	// value is terminal.
	Update(key string, st types.SymbolStatus) bool
	IsTerminal(key string) bool
	All() []types.SymbolStatus
}

// IsTerminal reports whether a status is never recomputed.
func IsTerminal(kind types.SymbolStatusKind) bool {
	return kind == types.SymbolLoaded || kind == types.SymbolNotFound
}

type memStore struct {
	mu sync.RWMutex
	m  map[string]types.SymbolStatus
}

// NewMemStore returns an in-memory Store.
func NewMemStore() Store {
	return &memStore{m: make(map[string]types.SymbolStatus)}
}

func (s *memStore) Get(key string) (types.SymbolStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[key]
	return st, ok
}

func (s *memStore) InsertIfAbsent(key string, st types.SymbolStatus) (types.SymbolStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[key]; ok {
		return cur, false
	}
	s.m[key] = st
	return st, true
}

func (s *memStore) Update(key string, st types.SymbolStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[key]; ok && IsTerminal(cur.Status) {
		return false
	}
	s.m[key] = st
	return true
}

func (s *memStore) IsTerminal(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.m[key]
	return ok && IsTerminal(cur.Status)
}

func (s *memStore) All() []types.SymbolStatus {
	s.mu.RLock()
	out := make([]types.SymbolStatus, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModulePath < out[j].ModulePath })
	return out
}

// Package symbols locates PDBs for loaded modules.
//
// Resolution tries, in order, a .pdb next to the module, a portable PDB
// embedded in the module, the on-disk symbol cache and finally the
// configured SSQP symbol servers. Results are memoized per module in a
// Store; Loaded and NotFound are never recomputed.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/pkg/types"
)

// Options configures a Resolver.
type Options struct {
	// ServersEnabled gates network downloads. Local, embedded and cached
	// PDBs are always used.
	ServersEnabled         bool
	CacheDir               string
	Servers                []string
	Timeout                time.Duration
	MaxFileSize            int64
	MaxConcurrentDownloads int
	DebugInfoCacheSize     int

	HTTPClient *http.Client
	Store      Store
	Log        *logrus.Entry
}

// Resolver runs the resolution pipeline.
type Resolver struct {
	opts   Options
	store  Store
	cache  *Cache
	client *ServerClient
	infos  *lru.Cache
	sem    *semaphore.Weighted
	group  singleflight.Group
	log    *logrus.Entry
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("symbol cache directory is required")
	}
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = 4
	}
	if opts.DebugInfoCacheSize <= 0 {
		opts.DebugInfoCacheSize = 256
	}
	infos, err := lru.New(opts.DebugInfoCacheSize)
	if err != nil {
		return nil, err
	}
	store := opts.Store
	if store == nil {
		store = NewMemStore()
	}
	log := opts.Log
	if log == nil {
		log = logflags.SymbolsLogger()
	}
	return &Resolver{
		opts:  opts,
		store: store,
		cache: &Cache{Root: opts.CacheDir},
		client: &ServerClient{
			HTTP:    opts.HTTPClient,
			Timeout: opts.Timeout,
			MaxSize: opts.MaxFileSize,
		},
		infos: infos,
		sem:   semaphore.NewWeighted(int64(opts.MaxConcurrentDownloads)),
		log:   log,
	}, nil
}

// NormalizePath returns the store key for a module path.
func NormalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// Status returns the current status of a module without resolving it.
func (r *Resolver) Status(modulePath string) types.SymbolStatus {
	key := NormalizePath(modulePath)
	if st, ok := r.store.Get(key); ok {
		return st
	}
	return none(key)
}

// Statuses lists every module the resolver has seen.
func (r *Resolver) Statuses() []types.SymbolStatus {
	return r.store.All()
}

// DebugInfo returns the debug directory info of a module, cached.
func (r *Resolver) DebugInfo(modulePath string) (*PeDebugInfo, error) {
	key := NormalizePath(modulePath)
	if v, ok := r.infos.Get(key); ok {
		return v.(*PeDebugInfo), nil
	}
	info, err := ReadDebugInfo(key)
	if err != nil {
		return nil, err
	}
	r.infos.Add(key, info)
	return info, nil
}

// Resolve finds a PDB for modulePath. Soft failures are reported in the
// returned status; the error is non-nil only when ctx ends first, in which
// case the module is left in status None.
func (r *Resolver) Resolve(ctx context.Context, modulePath string) (types.SymbolStatus, error) {
	key := NormalizePath(modulePath)
	if r.store.IsTerminal(key) {
		return r.Status(key), nil
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.resolve(ctx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return r.Status(key), res.Err
		}
		return res.Val.(types.SymbolStatus), nil
	case <-ctx.Done():
		return r.Status(key), ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, key string) (types.SymbolStatus, error) {
	r.store.InsertIfAbsent(key, none(key))
	log := r.log.WithField("module", filepath.Base(key))

	info, err := r.DebugInfo(key)
	if errors.Is(err, ErrNoDebugInfo) {
		return r.finish(key, types.SymbolNotFound, "", types.SymbolSourceNone, "No debug info in assembly"), nil
	}
	if err != nil {
		log.Warnf("reading debug directory: %v", err)
		return r.finish(key, types.SymbolFailed, "", types.SymbolSourceNone, err.Error()), nil
	}
	symKey := info.SymbolServerKey()

	for _, p := range siblingCandidates(key, info.PdbFileName) {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			log.Debugf("using local pdb %s", p)
			return r.finish(key, types.SymbolLoaded, p, types.SymbolSourceLocal, ""), nil
		}
	}

	if info.HasEmbeddedPdb {
		if p, ok := r.cache.Lookup(info.PdbFileName, symKey); ok {
			return r.finish(key, types.SymbolLoaded, p, types.SymbolSourceEmbedded, ""), nil
		}
		data, err := ExtractEmbeddedPdb(key, info, r.opts.MaxFileSize)
		if err == nil {
			var p string
			p, err = r.cache.Write(data, info.PdbFileName, symKey)
			if err == nil {
				log.Debugf("extracted embedded pdb to %s", p)
				return r.finish(key, types.SymbolLoaded, p, types.SymbolSourceEmbedded, ""), nil
			}
		}
		log.Warnf("embedded pdb unusable: %v", err)
	}

	if p, ok := r.cache.Lookup(info.PdbFileName, symKey); ok {
		return r.finish(key, types.SymbolLoaded, p, types.SymbolSourceCache, ""), nil
	}

	if !r.opts.ServersEnabled || len(r.opts.Servers) == 0 {
		return r.finish(key, types.SymbolNotFound, "", types.SymbolSourceNone, "PDB not found locally and symbol servers are disabled"), nil
	}
	return r.download(ctx, key, info, symKey, log)
}

func (r *Resolver) download(ctx context.Context, key string, info *PeDebugInfo, symKey string, log *logrus.Entry) (types.SymbolStatus, error) {
	r.set(key, types.SymbolPendingDownload)
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.set(key, types.SymbolNone)
		return types.SymbolStatus{}, err
	}
	defer r.sem.Release(1)
	r.set(key, types.SymbolDownloading)

	checked := 0
	for _, server := range r.opts.Servers {
		if err := ctx.Err(); err != nil {
			r.set(key, types.SymbolNone)
			return types.SymbolStatus{}, err
		}
		checked++

		tmp, err := r.client.Download(ctx, r.cache, server, info.PdbFileName, symKey)
		if err != nil {
			if ctx.Err() != nil {
				r.set(key, types.SymbolNone)
				return types.SymbolStatus{}, ctx.Err()
			}
			if errors.Is(err, errNotOnServer) {
				log.Debugf("%s: not found", server)
			} else {
				log.Warnf("%s: skipping: %v", server, err)
			}
			continue
		}

		id, err := ReadPdbGUID(tmp)
		if err != nil || id.GUID != info.GUID {
			os.Remove(tmp)
			if err == nil {
				err = fmt.Errorf("guid %s does not match %s", id.GUID, info.GUID)
			}
			log.Warnf("%s: discarding download: %v", server, err)
			continue
		}

		p, err := r.cache.Commit(tmp, info.PdbFileName, symKey)
		if err != nil {
			os.Remove(tmp)
			log.Warnf("%s: %v", server, err)
			continue
		}
		log.Debugf("downloaded %s from %s", info.PdbFileName, server)
		return r.finish(key, types.SymbolLoaded, p, types.SymbolSourceServer, ""), nil
	}

	reason := fmt.Sprintf("PDB not found on %d symbol server(s)", checked)
	return r.finish(key, types.SymbolNotFound, "", types.SymbolSourceNone, reason), nil
}

func (r *Resolver) set(key string, kind types.SymbolStatusKind) {
	r.store.Update(key, types.SymbolStatus{ModulePath: key, Status: kind, Source: types.SymbolSourceNone})
}

func (r *Resolver) finish(key string, kind types.SymbolStatusKind, pdb string, src types.SymbolSource, reason string) types.SymbolStatus {
	st := types.SymbolStatus{
		ModulePath:    key,
		Status:        kind,
		PdbPath:       pdb,
		Source:        src,
		FailureReason: reason,
	}
	if !r.store.Update(key, st) {
		cur, _ := r.store.Get(key)
		return cur
	}
	return st
}

func none(key string) types.SymbolStatus {
	return types.SymbolStatus{ModulePath: key, Status: types.SymbolNone, Source: types.SymbolSourceNone}
}

func siblingCandidates(modulePath, pdbFileName string) []string {
	dir := filepath.Dir(modulePath)
	base := filepath.Base(modulePath)
	out := []string{filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pdb")}
	if pdbFileName != "" && !strings.EqualFold(pdbFileName, filepath.Base(out[0])) {
		out = append(out, filepath.Join(dir, pdbFileName))
	}
	return out
}

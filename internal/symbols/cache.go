package symbols

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache is a SymStore-layout directory: {root}/{pdb}/{key}/{pdb}.
type Cache struct {
	Root string
}

// Path returns where a PDB with the given name and key lives in the cache.
func (c *Cache) Path(pdbFileName, key string) string {
	return filepath.Join(c.Root, pdbFileName, key, pdbFileName)
}

// Lookup returns the cached path if the file exists.
func (c *Cache) Lookup(pdbFileName, key string) (string, bool) {
	p := c.Path(pdbFileName, key)
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// TempFile creates a temp file inside the cache root so that Commit can
// rename it into place atomically.
func (c *Cache) TempFile() (*os.File, error) {
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(c.Root, ".download-*.tmp")
}

// Commit moves tmpPath into the cache slot for pdbFileName/key.
func (c *Cache) Commit(tmpPath, pdbFileName, key string) (string, error) {
	dst := c.Path(pdbFileName, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("moving %s into cache: %w", filepath.Base(dst), err)
	}
	return dst, nil
}

// Write stores data in the cache slot via a temp file and rename.
func (c *Cache) Write(data []byte, pdbFileName, key string) (string, error) {
	tmp, err := c.TempFile()
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	dst, err := c.Commit(name, pdbFileName, key)
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return dst, nil
}

package symbols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	errNotOnServer = errors.New("not found on server")
	errTooLarge    = errors.New("symbol file exceeds size limit")
)

// ServerClient downloads PDBs from SSQP symbol servers.
type ServerClient struct {
	HTTP    *http.Client
	Timeout time.Duration
	MaxSize int64
}

// DownloadURL builds {server}/{pdb}/{key}/{pdb} with a lowercased file name.
func DownloadURL(server, pdbFileName, key string) string {
	name := strings.ToLower(pdbFileName)
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(server, "/"), name, key, name)
}

// Download streams one PDB into a temp file from cache. It returns the
// temp path; the caller owns it. A 404 yields errNotOnServer.
func (c *ServerClient) Download(ctx context.Context, cache *Cache, server, pdbFileName, key string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DownloadURL(server, pdbFileName, key), nil)
	if err != nil {
		return "", err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", errNotOnServer
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	if c.MaxSize > 0 && resp.ContentLength > c.MaxSize {
		return "", fmt.Errorf("%w: content length %d", errTooLarge, resp.ContentLength)
	}

	tmp, err := cache.TempFile()
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(name)
		}
	}()

	var body io.Reader = resp.Body
	if c.MaxSize > 0 {
		body = io.LimitReader(resp.Body, c.MaxSize+1)
	}
	n, err := io.Copy(tmp, body)
	if err != nil {
		return "", err
	}
	if c.MaxSize > 0 && n > c.MaxSize {
		return "", fmt.Errorf("%w: streamed more than %d bytes", errTooLarge, c.MaxSize)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	ok = true
	return name, nil
}

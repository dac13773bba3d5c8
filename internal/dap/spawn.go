package dap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// Adapter starts netcoredbg or connects to one that is already listening.
type Adapter struct {
	// Path is the netcoredbg executable.
	Path      string
	ExtraArgs []string
	// Address, when set, is a netcoredbg --server endpoint used instead of
	// spawning a child per session.
	Address string
	// Timeout is the default request timeout of the resulting client.
	Timeout time.Duration
	Log     *logrus.Entry
}

// conn is one adapter connection with the child process behind it, if any.
type conn struct {
	client *Client
	cmd    *exec.Cmd
	stderr io.Closer
}

func (c *conn) close() error {
	err := c.client.Close()
	if c.cmd != nil {
		if kerr := killProcessGroup(c.cmd); kerr != nil && err == nil {
			err = kerr
		}
		_ = c.cmd.Wait()
	}
	if c.stderr != nil {
		_ = c.stderr.Close()
	}
	return err
}

func (a *Adapter) open(ctx context.Context, handler func(dap.Message)) (*conn, error) {
	var (
		c   *conn
		err error
	)
	if a.Address != "" {
		c, err = a.connect(ctx, handler)
	} else {
		c, err = a.spawnStdio(handler)
	}
	if err != nil {
		return nil, err
	}
	c.client.SetTimeout(a.Timeout)
	return c, nil
}

// spawnStdio starts netcoredbg and returns a DAP client connected via stdin/stdout
func (a *Adapter) spawnStdio(handler func(dap.Message)) (*conn, error) {
	args := append([]string{"--interpreter=vscode"}, a.ExtraArgs...)
	// The adapter outlives the request that created it, so it is not bound
	// to a request context.
	//nolint:gosec // G204: netcoredbg is the configured debugger
	cmd := exec.Command(a.Path, args...)
	cmd.Env = os.Environ()

	// Set platform-specific process attributes (process_unix.go / process_windows.go)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	// netcoredbg diagnostics go to the dap log layer
	stderr := a.Log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start netcoredbg (%s): %w", a.Path, err)
	}
	a.Log.Debugf("started netcoredbg pid %d", cmd.Process.Pid)

	transport := NewStdioTransport(stdin, stdout)
	return &conn{
		client: NewClient(transport, handler),
		cmd:    cmd,
		stderr: stderr,
	}, nil
}

// connect dials a listening netcoredbg.
func (a *Adapter) connect(ctx context.Context, handler func(dap.Message)) (*conn, error) {
	transport, err := Dial(ctx, a.Address)
	if err != nil {
		return nil, err
	}
	return &conn{client: NewClient(transport, handler)}, nil
}

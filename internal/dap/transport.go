// Package dap talks to netcoredbg over the Debug Adapter Protocol and
// exposes it as a native.Backend.
//
// This package provides:
//   - Transport: framed DAP messages over TCP or a child's stdio
//   - Client: request/response correlation, a non-blocking event queue
//   - Backend / target: the native debugging channel used by the engine
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

const (
	// dialRetryInterval spaces connection attempts while a netcoredbg
	// started with --server is still coming up.
	dialRetryInterval = 200 * time.Millisecond
	// dialTimeout bounds Dial when ctx has no deadline.
	dialTimeout = 4 * time.Second
)

// Transport frames DAP messages over one netcoredbg connection. Writes are
// serialized and requests are numbered under the same lock, so sequence
// numbers reach the adapter in increasing order.
type Transport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	log    *logrus.Entry

	wmu    sync.Mutex
	writer *bufio.Writer
	seq    int
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a netcoredbg listening on address, retrying until ctx
// ends.
func Dial(ctx context.Context, address string) (*Transport, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			return newTransport(c), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("netcoredbg at %s did not accept a connection: %w", address, err)
		case <-time.After(dialRetryInterval):
		}
	}
}

// NewStdioTransport speaks DAP over the stdin and stdout of a netcoredbg
// started with --interpreter=vscode.
func NewStdioTransport(stdin io.WriteCloser, stdout io.ReadCloser) *Transport {
	return newTransport(&stdioPipes{in: stdin, out: stdout})
}

func newTransport(conn io.ReadWriteCloser) *Transport {
	return &Transport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		seq:    1,
	}
}

// stdioPipes joins a child's stdin and stdout. Closing stdin first lets
// netcoredbg see EOF and exit on its own.
type stdioPipes struct {
	in  io.WriteCloser
	out io.ReadCloser
}

func (p *stdioPipes) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *stdioPipes) Write(b []byte) (int, error) { return p.in.Write(b) }

func (p *stdioPipes) Close() error {
	err := p.in.Close()
	if rerr := p.out.Close(); err == nil {
		err = rerr
	}
	return err
}

// SendRequest numbers req and writes it. register is called with the
// sequence number before the request is on the wire, so a response can
// never arrive ahead of its registration.
func (t *Transport) SendRequest(req dap.RequestMessage, register func(seq int)) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	r := req.GetRequest()
	r.Seq = t.seq
	t.seq++
	if register != nil {
		register(r.Seq)
	}
	return t.write(req)
}

// SendResponse numbers and writes the answer to a request the adapter
// sent us.
func (t *Transport) SendResponse(resp dap.ResponseMessage) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	r := resp.GetResponse()
	r.Seq = t.seq
	t.seq++
	return t.write(resp)
}

func (t *Transport) write(msg dap.Message) error {
	if t.closed {
		return io.ErrClosedPipe
	}
	t.trace("->", msg)
	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("writing %s: %w", summarize(msg), err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", summarize(msg), err)
	}
	return nil
}

// Receive reads the next message. Only the client's read loop calls it.
func (t *Transport) Receive() (dap.Message, error) {
	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		return nil, fmt.Errorf("reading DAP message: %w", err)
	}
	t.trace("<-", msg)
	return msg, nil
}

// Close shuts the connection. Later sends fail with io.ErrClosedPipe.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		t.wmu.Lock()
		t.closed = true
		t.wmu.Unlock()
	})
	return t.closeErr
}

func (t *Transport) trace(dir string, msg dap.Message) {
	if t.log == nil || !t.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	t.log.Debugf("%s %s", dir, summarize(msg))
}

// summarize names a message by its DAP command or event.
func summarize(msg dap.Message) string {
	switch m := msg.(type) {
	case dap.RequestMessage:
		r := m.GetRequest()
		return fmt.Sprintf("request %s seq=%d", r.Command, r.Seq)
	case dap.ResponseMessage:
		r := m.GetResponse()
		if !r.Success {
			return fmt.Sprintf("response %s to seq=%d failed: %s", r.Command, r.RequestSeq, r.Message)
		}
		return fmt.Sprintf("response %s to seq=%d", r.Command, r.RequestSeq)
	case dap.EventMessage:
		return "event " + m.GetEvent().Event
	default:
		return fmt.Sprintf("%T seq=%d", msg, msg.GetSeq())
	}
}

package dap

import (
	"bufio"
	"net"
	"sync"
	"testing"

	"github.com/google/go-dap"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
	"github.com/ctagard/clrdbg-mcp/internal/native"
)

// fakeAdapter is an in-process DAP server. Every request is handed to
// handle, which answers with respond/fail and may push events.
type fakeAdapter struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader

	mu       sync.Mutex
	seq      int
	requests []dap.Message

	handle func(f *fakeAdapter, req dap.RequestMessage)
}

func newFakeAdapter(t *testing.T, handle func(f *fakeAdapter, req dap.RequestMessage)) (*fakeAdapter, *Transport) {
	t.Helper()
	server, client := net.Pipe()
	f := &fakeAdapter{
		t:      t,
		conn:   server,
		reader: bufio.NewReader(server),
		handle: handle,
	}
	go f.serve()
	t.Cleanup(func() { _ = server.Close() })
	return f, newTransport(client)
}

func (f *fakeAdapter) serve() {
	for {
		msg, err := dap.ReadProtocolMessage(f.reader)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, msg)
		f.mu.Unlock()
		if req, ok := msg.(dap.RequestMessage); ok && f.handle != nil {
			f.handle(f, req)
		}
	}
}

func (f *fakeAdapter) write(msg dap.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	switch m := msg.(type) {
	case dap.RequestMessage:
		m.GetRequest().Seq = f.seq
	case dap.ResponseMessage:
		m.GetResponse().Seq = f.seq
	case dap.EventMessage:
		m.GetEvent().Seq = f.seq
	}
	// Writes race with Close at the end of a test.
	_ = dap.WriteProtocolMessage(f.conn, msg)
}

func (f *fakeAdapter) respond(req dap.RequestMessage, resp dap.ResponseMessage) {
	r := resp.GetResponse()
	r.Type = "response"
	r.RequestSeq = req.GetRequest().Seq
	r.Command = req.GetRequest().Command
	r.Success = true
	f.write(resp)
}

func (f *fakeAdapter) fail(req dap.RequestMessage, message string) {
	resp := &dap.ErrorResponse{}
	r := resp.GetResponse()
	r.Type = "response"
	r.RequestSeq = req.GetRequest().Seq
	r.Command = req.GetRequest().Command
	r.Message = message
	f.write(resp)
}

func (f *fakeAdapter) event(name string, ev dap.EventMessage) {
	e := ev.GetEvent()
	e.Type = "event"
	e.Event = name
	f.write(ev)
}

// ack answers any request with an empty success response of its kind.
func (f *fakeAdapter) ack(req dap.RequestMessage) {
	var resp dap.ResponseMessage
	switch req.(type) {
	case *dap.ContinueRequest:
		resp = &dap.ContinueResponse{}
	case *dap.NextRequest:
		resp = &dap.NextResponse{}
	case *dap.StepInRequest:
		resp = &dap.StepInResponse{}
	case *dap.StepOutRequest:
		resp = &dap.StepOutResponse{}
	case *dap.PauseRequest:
		resp = &dap.PauseResponse{}
	case *dap.DisconnectRequest:
		resp = &dap.DisconnectResponse{}
	case *dap.ConfigurationDoneRequest:
		resp = &dap.ConfigurationDoneResponse{}
	case *dap.SetExceptionBreakpointsRequest:
		resp = &dap.SetExceptionBreakpointsResponse{}
	case *dap.AttachRequest:
		resp = &dap.AttachResponse{}
	case *dap.LaunchRequest:
		resp = &dap.LaunchResponse{}
	case *dap.InitializeRequest:
		resp = &dap.InitializeResponse{}
	default:
		f.fail(req, "unsupported")
		return
	}
	f.respond(req, resp)
}

func (f *fakeAdapter) received() []dap.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dap.Message(nil), f.requests...)
}

// newTestTarget wires a target to a fake adapter without spawning netcoredbg.
func newTestTarget(t *testing.T, handle func(f *fakeAdapter, req dap.RequestMessage)) (*target, *fakeAdapter, chan native.Event) {
	t.Helper()
	f, transport := newFakeAdapter(t, handle)
	tg := newTarget(logflags.Discard())
	tg.client = NewClient(transport, tg.handleEvent)
	tg.conn = &conn{client: tg.client}
	sink := make(chan native.Event, 16)
	tg.setSink(sink)
	t.Cleanup(func() { _ = tg.Close() })
	return tg, f, sink
}

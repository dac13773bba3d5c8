package dap

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
)

func TestTransportNumbersRequestsInWireOrder(t *testing.T) {
	f, transport := newFakeAdapter(t, nil)
	defer transport.Close()

	const senders = 8
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &dap.ThreadsRequest{Request: newRequest("threads")}
			if err := transport.SendRequest(req, nil); err != nil {
				t.Errorf("SendRequest failed: %v", err)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.received()) < senders && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := f.received()
	if len(got) != senders {
		t.Fatalf("adapter saw %d requests, want %d", len(got), senders)
	}
	for i, msg := range got {
		if seq := msg.GetSeq(); seq != i+1 {
			t.Errorf("request %d on the wire has seq %d", i, seq)
		}
	}
}

func TestTransportRegistersBeforeWriting(t *testing.T) {
	f, transport := newFakeAdapter(t, nil)
	defer transport.Close()

	var registered int
	req := &dap.ThreadsRequest{Request: newRequest("threads")}
	err := transport.SendRequest(req, func(seq int) {
		registered = seq
		if n := len(f.received()); n != 0 {
			t.Errorf("request written before registration: %d seen", n)
		}
	})
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if registered != 1 || req.Seq != 1 {
		t.Errorf("registered seq %d, request seq %d", registered, req.Seq)
	}
}

func TestTransportClose(t *testing.T) {
	_, transport := newFakeAdapter(t, nil)
	if err := transport.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	err := transport.SendRequest(&dap.ThreadsRequest{Request: newRequest("threads")}, nil)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("send after close = %v, want io.ErrClosedPipe", err)
	}
}

func TestDialWaitsForListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	accepted := make(chan struct{})
	go func() {
		time.Sleep(3 * dialRetryInterval)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("relisten: %v", err)
			close(accepted)
			return
		}
		defer ln.Close()
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	transport, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = transport.Close()
	<-accepted
}

func TestDialGivesUpWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*dialRetryInterval)
	defer cancel()
	if _, err := Dial(ctx, addr); err == nil {
		t.Error("expected Dial to fail with nothing listening")
	}
}

func TestSummarize(t *testing.T) {
	failed := &dap.ErrorResponse{}
	failed.Command = "setBreakpoints"
	failed.RequestSeq = 4
	failed.Message = "no symbols"

	ok := &dap.ThreadsResponse{}
	ok.Command = "threads"
	ok.RequestSeq = 2
	ok.Success = true

	stopped := &dap.StoppedEvent{}
	stopped.Event.Event = "stopped"

	req := &dap.PauseRequest{Request: newRequest("pause")}
	req.Seq = 9

	tests := []struct {
		msg  dap.Message
		want string
	}{
		{req, "request pause seq=9"},
		{ok, "response threads to seq=2"},
		{failed, "response setBreakpoints to seq=4 failed: no symbols"},
		{stopped, "event stopped"},
	}
	for _, tt := range tests {
		if got := summarize(tt.msg); got != tt.want {
			t.Errorf("summarize(%T) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestClientRefusesReverseRequests(t *testing.T) {
	f, transport := newFakeAdapter(t, nil)
	c := NewClient(transport, nil)
	defer c.Close()

	rit := &dap.RunInTerminalRequest{Request: dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         "runInTerminal",
	}}
	f.write(rit)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range f.received() {
			resp, ok := msg.(dap.ResponseMessage)
			if !ok {
				continue
			}
			r := resp.GetResponse()
			if r.Success || r.Command != "runInTerminal" || r.RequestSeq != rit.Seq {
				t.Errorf("unexpected answer %+v", r)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reverse request was never answered")
}

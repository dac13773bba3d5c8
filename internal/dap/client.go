package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/ctagard/clrdbg-mcp/internal/logflags"
)

// ErrClosed is returned for requests issued after the connection to the
// adapter has been lost or closed.
var ErrClosed = errors.New("DAP connection closed")

// DefaultRequestTimeout bounds requests issued with a context that has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// ResponseError is a response with success=false.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Client provides a high-level API for DAP operations
type Client struct {
	transport *Transport
	timeout   time.Duration
	log       *logrus.Entry

	// Response handling
	pendingRequests map[int]chan dap.Message
	mu              sync.Mutex

	// Events are queued without bound and handed to eventHandler from a
	// dispatcher goroutine, so the read loop never waits on a consumer.
	eventHandler func(dap.Message)
	events       []dap.Message
	eventsMu     sync.Mutex
	eventSignal  chan struct{}

	capabilities dap.Capabilities

	// Initialization synchronization
	initialized     chan struct{}
	initializedOnce sync.Once

	// done is closed when the read loop exits.
	done    chan struct{}
	readErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new DAP client with the given transport. handler
// receives every event in arrival order; it may be nil.
func NewClient(transport *Transport, handler func(dap.Message)) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:       transport,
		timeout:         DefaultRequestTimeout,
		log:             logflags.DAPLogger(),
		pendingRequests: make(map[int]chan dap.Message),
		eventHandler:    handler,
		eventSignal:     make(chan struct{}, 1),
		initialized:     make(chan struct{}),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	transport.log = c.log

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatchLoop()

	return c
}

// SetTimeout changes the default request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Done is closed once the adapter connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readLoop continuously reads messages from the transport
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.failPending()

	consecutiveErrors := 0
	const maxConsecutiveErrors = 5

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.readErr = err
				return
			}
			consecutiveErrors++
			c.log.Warnf("DAP transport error (attempt %d/%d): %v", consecutiveErrors, maxConsecutiveErrors, err)
			if consecutiveErrors >= maxConsecutiveErrors {
				c.log.Warn("DAP transport: too many consecutive errors, stopping read loop")
				c.readErr = err
				return
			}
			continue
		}

		consecutiveErrors = 0
		c.handleMessage(msg)
	}
}

func (c *Client) failPending() {
	if c.readErr != nil {
		c.log.Debugf("DAP read loop stopped: %v", c.readErr)
	}
	c.mu.Lock()
	c.pendingRequests = make(map[int]chan dap.Message)
	c.mu.Unlock()
	close(c.done)
}

// handleMessage routes responses to their waiters and queues events
func (c *Client) handleMessage(msg dap.Message) {
	if resp, ok := msg.(dap.ResponseMessage); ok {
		seq := resp.GetResponse().RequestSeq
		c.mu.Lock()
		ch, ok := c.pendingRequests[seq]
		delete(c.pendingRequests, seq)
		c.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.log.Debugf("dropping response to abandoned request %d", seq)
		}
		return
	}

	if req, ok := msg.(dap.RequestMessage); ok {
		go c.refuse(req)
		return
	}

	if _, ok := msg.(*dap.InitializedEvent); ok {
		c.initializedOnce.Do(func() {
			close(c.initialized)
		})
	}

	c.eventsMu.Lock()
	c.events = append(c.events, msg)
	c.eventsMu.Unlock()
	select {
	case c.eventSignal <- struct{}{}:
	default:
	}
}

// refuse answers a reverse request such as runInTerminal. The debuggee is
// always started by the adapter itself, so none are supported.
func (c *Client) refuse(req dap.RequestMessage) {
	r := req.GetRequest()
	resp := &dap.ErrorResponse{}
	resp.Type = "response"
	resp.RequestSeq = r.Seq
	resp.Command = r.Command
	resp.Message = fmt.Sprintf("%s is not supported", r.Command)
	if err := c.transport.SendResponse(resp); err != nil {
		c.log.Debugf("answering reverse request %s: %v", r.Command, err)
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.eventSignal:
		}
		for {
			c.eventsMu.Lock()
			batch := c.events
			c.events = nil
			c.eventsMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				if c.eventHandler != nil {
					c.eventHandler(ev)
				}
			}
		}
	}
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// start sends req and returns the channel its response will arrive on.
func (c *Client) start(req dap.RequestMessage) (chan dap.Message, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	respCh := make(chan dap.Message, 1)
	err := c.transport.SendRequest(req, func(seq int) {
		c.mu.Lock()
		c.pendingRequests[seq] = respCh
		c.mu.Unlock()
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pendingRequests, req.GetRequest().Seq)
		c.mu.Unlock()
		return nil, err
	}
	return respCh, nil
}

// await waits for the response to a started request. A context without a
// deadline is bounded by the client's default timeout.
func (c *Client) await(ctx context.Context, command string, seq int, respCh chan dap.Message) (dap.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-respCh:
		return checkResponse(command, resp)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingRequests, seq)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: request timeout", command)
		}
		return nil, ctx.Err()
	case <-c.done:
		// The response may have been delivered just before the loop exited.
		select {
		case resp := <-respCh:
			return checkResponse(command, resp)
		default:
		}
		return nil, ErrClosed
	}
}

func checkResponse(command string, resp dap.Message) (dap.Message, error) {
	r := resp.(dap.ResponseMessage).GetResponse()
	if !r.Success {
		return nil, &ResponseError{Command: command, Message: r.Message}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	respCh, err := c.start(req)
	if err != nil {
		return nil, err
	}
	r := req.GetRequest()
	return c.await(ctx, r.Command, r.Seq, respCh)
}

// call issues req and asserts the response type.
func call[T dap.Message](ctx context.Context, c *Client, req dap.RequestMessage) (T, error) {
	var zero T
	msg, err := c.do(ctx, req)
	if err != nil {
		return zero, err
	}
	resp, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response type: %T", msg)
	}
	return resp, nil
}

// Initialize sends the initialize request
func (c *Client) Initialize(ctx context.Context, clientID string) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:               clientID,
			ClientName:             clientID,
			AdapterID:              "coreclr",
			Locale:                 "en-US",
			LinesStartAt1:          true,
			ColumnsStartAt1:        true,
			PathFormat:             "path",
			SupportsVariableType:   true,
			SupportsVariablePaging: true,
		},
	}
	resp, err := call[*dap.InitializeResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	c.capabilities = resp.Body
	return resp, nil
}

// Capabilities returns the adapter capabilities reported by initialize
func (c *Client) Capabilities() dap.Capabilities {
	return c.capabilities
}

// WaitInitialized waits for the initialized event
func (c *Client) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for initialized event: %w", ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Pending is a request whose response is awaited separately. Adapters may
// hold the launch and attach responses until configurationDone.
type Pending struct {
	c       *Client
	command string
	seq     int
	ch      chan dap.Message
}

// Wait waits for the response.
func (p *Pending) Wait(ctx context.Context) error {
	_, err := p.c.await(ctx, p.command, p.seq, p.ch)
	return err
}

func (c *Client) startWithArgs(req dap.RequestMessage, args map[string]interface{}, dst *json.RawMessage) (*Pending, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s args: %w", req.GetRequest().Command, err)
	}
	*dst = argsJSON
	ch, err := c.start(req)
	if err != nil {
		return nil, err
	}
	r := req.GetRequest()
	return &Pending{c: c, command: r.Command, seq: r.Seq, ch: ch}, nil
}

// LaunchAsync sends a launch request without waiting for the response
func (c *Client) LaunchAsync(args map[string]interface{}) (*Pending, error) {
	req := &dap.LaunchRequest{Request: newRequest("launch")}
	return c.startWithArgs(req, args, &req.Arguments)
}

// AttachAsync sends an attach request without waiting for the response
func (c *Client) AttachAsync(args map[string]interface{}) (*Pending, error) {
	req := &dap.AttachRequest{Request: newRequest("attach")}
	return c.startWithArgs(req, args, &req.Arguments)
}

// ConfigurationDone signals that configuration is complete
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.do(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	return err
}

// Disconnect ends the debug session; terminateDebuggee selects kill over detach
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request: newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: terminateDebuggee,
		},
	}
	_, err := c.do(ctx, req)
	return err
}

// Terminate asks the adapter to end the debuggee
func (c *Client) Terminate(ctx context.Context) error {
	_, err := c.do(ctx, &dap.TerminateRequest{Request: newRequest("terminate")})
	return err
}

// Threads returns all threads
func (c *Client) Threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := call[*dap.ThreadsResponse](ctx, c, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}
	return resp.Body.Threads, nil
}

// StackTrace returns the stack trace for a thread
func (c *Client) StackTrace(ctx context.Context, threadID, startFrame, levels int) ([]dap.StackFrame, error) {
	req := &dap.StackTraceRequest{
		Request: newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId:   threadID,
			StartFrame: startFrame,
			Levels:     levels,
		},
	}
	resp, err := call[*dap.StackTraceResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	return resp.Body.StackFrames, nil
}

// Scopes returns the scopes for a stack frame
func (c *Client) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	req := &dap.ScopesRequest{
		Request:   newRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}
	resp, err := call[*dap.ScopesResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

// Variables returns the children of a variables reference
func (c *Client) Variables(ctx context.Context, variablesRef int) ([]dap.Variable, error) {
	req := &dap.VariablesRequest{
		Request:   newRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: variablesRef},
	}
	resp, err := call[*dap.VariablesResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// Evaluate evaluates an expression in the context of a frame
func (c *Client) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponseBody, error) {
	req := &dap.EvaluateRequest{
		Request: newRequest("evaluate"),
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    frameID,
			Context:    evalContext,
		},
	}
	resp, err := call[*dap.EvaluateResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// SetBreakpoints replaces every breakpoint in one source file
func (c *Client) SetBreakpoints(ctx context.Context, source dap.Source, breakpoints []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	req := &dap.SetBreakpointsRequest{
		Request: newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      source,
			Breakpoints: breakpoints,
		},
	}
	resp, err := call[*dap.SetBreakpointsResponse](ctx, c, req)
	if err != nil {
		return nil, err
	}
	return resp.Body.Breakpoints, nil
}

// SetExceptionBreakpoints selects which exceptions stop the debuggee
func (c *Client) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	req := &dap.SetExceptionBreakpointsRequest{
		Request:   newRequest("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	}
	_, err := c.do(ctx, req)
	return err
}

// Continue resumes execution
func (c *Client) Continue(ctx context.Context, threadID int) error {
	req := &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	_, err := c.do(ctx, req)
	return err
}

// Next steps over
func (c *Client) Next(ctx context.Context, threadID int) error {
	req := &dap.NextRequest{
		Request:   newRequest("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	_, err := c.do(ctx, req)
	return err
}

// StepIn steps into a function call
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	req := &dap.StepInRequest{
		Request:   newRequest("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}
	_, err := c.do(ctx, req)
	return err
}

// StepOut steps out of the current function
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	req := &dap.StepOutRequest{
		Request:   newRequest("stepOut"),
		Arguments: dap.StepOutArguments{ThreadId: threadID},
	}
	_, err := c.do(ctx, req)
	return err
}

// Pause pauses execution
func (c *Client) Pause(ctx context.Context, threadID int) error {
	req := &dap.PauseRequest{
		Request:   newRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: threadID},
	}
	_, err := c.do(ctx, req)
	return err
}

// Modules returns the loaded modules
func (c *Client) Modules(ctx context.Context) ([]dap.Module, error) {
	resp, err := call[*dap.ModulesResponse](ctx, c, &dap.ModulesRequest{Request: newRequest("modules")})
	if err != nil {
		return nil, err
	}
	return resp.Body.Modules, nil
}

// Close shuts down the client and its transport
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}

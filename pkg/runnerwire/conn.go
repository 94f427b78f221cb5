package runnerwire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
)

// Transport abstracts the framed byte channel under a runner connection,
// so the protocol logic is testable without a real websocket.
type Transport interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame. Safe for concurrent use is NOT required;
	// Conn serializes writes itself.
	Write(ctx context.Context, data []byte) error
	Close() error
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an accepted websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// Conn is the server-side view of one connected runner: the read loop's
// owner, the write serializer, and the correlation table for in-flight
// requests. Multiple tool calls may be outstanding at once; responses are
// matched to callers by the frame id.
type Conn struct {
	runnerName string
	version    string
	idempotent map[string]bool

	transport Transport

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *ToolResponse
	nextID    atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func newConn(hello Hello, t Transport) *Conn {
	idempotent := make(map[string]bool, len(hello.Tools))
	for _, tool := range hello.Tools {
		idempotent[tool.Name] = tool.IsIdempotent
	}
	return &Conn{
		runnerName: hello.RunnerName,
		version:    hello.Version,
		idempotent: idempotent,
		transport:  t,
		pending:    make(map[int64]chan *ToolResponse),
		closed:     make(chan struct{}),
		log:        slog.With("component", "runnerwire", "runner", hello.RunnerName),
	}
}

// RunnerName returns the name the runner identified itself with.
func (c *Conn) RunnerName() string { return c.runnerName }

// IsIdempotent reports a tool's declared idempotence; undeclared tools are
// treated as not idempotent, the safe recovery default.
func (c *Conn) IsIdempotent(toolName string) bool {
	return c.idempotent[toolName]
}

func (c *Conn) write(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(ctx, data)
}

// execute dispatches one tool call and blocks until its correlated
// response, the connection closing, or ctx cancellation.
func (c *Conn) execute(ctx context.Context, req ToolRequest) (*ToolResponse, error) {
	id := c.nextID.Add(1)
	ch := make(chan *ToolResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, Message{Kind: KindToolRequest, ID: id, ToolRequest: &req}); err != nil {
		return nil, fmt.Errorf("runnerwire: sending tool request to %s: %w", c.runnerName, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return nil, fmt.Errorf("runnerwire: runner %s disconnected with tool call %s in flight", c.runnerName, req.ToolCallID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve hands a response to the caller waiting on its id. Responses for
// unknown ids (caller timed out and went away) are dropped.
func (c *Conn) resolve(id int64, resp *ToolResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Warn("dropping tool response with no waiting caller", "id", id, "tool_call_id", resp.ToolCallID)
		return
	}
	ch <- resp
}

// close marks the connection dead and releases every in-flight caller.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close()
	})
}

// sessionExecutor adapts the hub's per-session routing to the agentic
// loop's ToolExecutor contract. A Go error from Execute means the
// executor is unusable (no runner bound, connection dropped), never that
// the tool call itself failed — failed calls come back as
// ToolResult{IsError: true}.
type sessionExecutor struct {
	hub       *Hub
	sessionID string
}

func (e *sessionExecutor) Execute(ctx context.Context, toolCallID, toolName string, arguments transcript.Value, cwd string) (collab.ToolResult, error) {
	conn, ok := e.hub.connFor(e.sessionID)
	if !ok {
		return collab.ToolResult{}, fmt.Errorf("runnerwire: no runner registered for session %s", e.sessionID)
	}

	resp, err := conn.execute(ctx, ToolRequest{
		SessionID:  e.sessionID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       arguments,
		Cwd:        cwd,
	})
	if err != nil {
		return collab.ToolResult{}, err
	}

	result := collab.ToolResult{IsError: resp.IsError}
	if resp.Result != nil {
		result.Content = resp.Result.Content
		result.Details = resp.Result.Details
	}
	if resp.IsError && result.Content == "" && resp.ErrorMessage != nil {
		result.Content = *resp.ErrorMessage
	}
	return result, nil
}

func (e *sessionExecutor) IsIdempotent(toolName string) bool {
	conn, ok := e.hub.connFor(e.sessionID)
	if !ok {
		return false
	}
	return conn.IsIdempotent(toolName)
}

package runnerwire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wuhu-labs/wuhu/pkg/collab"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// EnvironmentResolver answers a runner's resolveEnvironmentRequest with
// the canonical definition behind a unique environment name. The store's
// GetEnvironmentByName is the usual implementation.
type EnvironmentResolver interface {
	Resolve(ctx context.Context, name string) (wuhutypes.EnvironmentSnapshot, error)
}

// Hub owns every live runner connection in the process and the routing
// table from session id to the connection serving it. It hands the
// agentic loop a per-session ToolExecutor.
type Hub struct {
	resolver EnvironmentResolver

	mu        sync.RWMutex
	bySession map[string]*Conn

	log *slog.Logger
}

// NewHub wires a hub to the resolver used for environment lookups.
func NewHub(resolver EnvironmentResolver) *Hub {
	return &Hub{
		resolver:  resolver,
		bySession: make(map[string]*Conn),
		log:       slog.With("component", "runnerwire"),
	}
}

// HandleConnection owns one runner connection for its whole life: the
// hello handshake, the read loop dispatching tagged messages, and the
// teardown that unbinds sessions and fails in-flight tool calls. Blocks
// until the transport closes or ctx is canceled.
func (h *Hub) HandleConnection(ctx context.Context, t Transport) error {
	data, err := t.Read(ctx)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("runnerwire: reading hello: %w", err)
	}
	first, err := Decode(data)
	if err != nil {
		_ = t.Close()
		return err
	}
	if first.Kind != KindHello {
		_ = t.Close()
		return fmt.Errorf("runnerwire: expected hello, got %q", first.Kind)
	}

	conn := newConn(*first.Hello, t)
	conn.log.Info("runner connected", "version", first.Hello.Version, "tools", len(first.Hello.Tools))
	defer h.teardown(conn)

	for {
		data, err := t.Read(ctx)
		if err != nil {
			conn.log.Info("runner disconnected", "error", err)
			return nil
		}
		msg, err := Decode(data)
		if err != nil {
			conn.log.Warn("discarding malformed frame", "error", err)
			continue
		}
		h.dispatch(ctx, conn, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *Conn, msg Message) {
	switch msg.Kind {
	case KindRegisterSession:
		h.bind(msg.RegisterSession.SessionID, conn)
		conn.log.Info("session registered", "session_id", msg.RegisterSession.SessionID)

	case KindToolResponse:
		conn.resolve(msg.ID, msg.ToolResponse)

	case KindResolveEnvironmentRequest:
		// Resolution hits the store; answer off the read loop so a slow
		// lookup never delays tool responses on the same connection.
		go h.answerResolve(ctx, conn, msg.ID, msg.ResolveEnvironmentRequest.Name)

	default:
		conn.log.Warn("unexpected message kind from runner", "kind", msg.Kind)
	}
}

func (h *Hub) answerResolve(ctx context.Context, conn *Conn, id int64, name string) {
	resp := ResolveEnvironmentResponse{}
	env, err := h.resolver.Resolve(ctx, name)
	if err != nil {
		errMsg := err.Error()
		resp.ErrorMessage = &errMsg
	} else {
		resp.Environment = &env
	}
	if err := conn.write(ctx, Message{Kind: KindResolveEnvironmentResponse, ID: id, ResolveEnvironmentResponse: &resp}); err != nil {
		conn.log.Warn("failed to answer environment resolution", "name", name, "error", err)
	}
}

func (h *Hub) bind(sessionID string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bySession[sessionID] = conn
}

// teardown unbinds every session routed to conn and releases its
// in-flight callers.
func (h *Hub) teardown(conn *Conn) {
	h.mu.Lock()
	for sessionID, c := range h.bySession {
		if c == conn {
			delete(h.bySession, sessionID)
		}
	}
	h.mu.Unlock()
	conn.close()
}

func (h *Hub) connFor(sessionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.bySession[sessionID]
	return conn, ok
}

// ExecutorFor returns the ToolExecutor the agentic loop uses for one
// session. The runner connection is looked up per call, so a runner that
// reconnects and re-registers picks up new tool calls transparently.
func (h *Hub) ExecutorFor(sessionID string) collab.ToolExecutor {
	return &sessionExecutor{hub: h, sessionID: sessionID}
}

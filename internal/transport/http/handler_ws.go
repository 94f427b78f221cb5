package httpapi

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/wuhu-labs/wuhu/pkg/runnerwire"
	"github.com/wuhu-labs/wuhu/pkg/subscribe"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// subscribeHandler handles GET /ws/sessions/:id: upgrades to a websocket
// carrying the combined subscription stream — one connection-state frame,
// the stable patch, then live events until either side closes. Reconnects
// pass their last committed cursors as query parameters; streaming deltas
// from the previous connection are never replayed.
func (s *Server) subscribeHandler(c *gin.Context) {
	since := wuhutypes.VersionVector{
		TranscriptCursor:   cursorParam(c, "transcript"),
		SystemLaneCursor:   cursorParam(c, "system"),
		SteerLaneCursor:    cursorParam(c, "steer"),
		FollowUpLaneCursor: cursorParam(c, "follow_up"),
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	// CloseRead discards inbound frames (the subscription stream is
	// one-way) and cancels the returned context when the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())

	sub, err := s.sub.Subscribe(ctx, c.Param("id"), since)
	if err != nil {
		s.log.Warn("subscribe failed", "session_id", c.Param("id"), "error", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Unsubscribe()

	writeFrame := func(data []byte) bool {
		return conn.Write(ctx, websocket.MessageText, data) == nil
	}

	if data, err := subscribe.EncodeConnectionState(wuhutypes.ConnectionStateEvent{State: wuhutypes.ConnConnected}); err == nil {
		if !writeFrame(data) {
			return
		}
	}

	patchFrame, err := subscribe.EncodePatch(sub.Patch)
	if err != nil {
		s.log.Error("encoding stable patch failed", "session_id", c.Param("id"), "error", err)
		_ = conn.Close(websocket.StatusInternalError, "encoding failed")
		return
	}
	if !writeFrame(patchFrame) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events:
			if !ok {
				if data, err := subscribe.EncodeConnectionState(wuhutypes.ConnectionStateEvent{State: wuhutypes.ConnClosed}); err == nil {
					writeFrame(data)
				}
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, err := subscribe.EncodeEvent(ev)
			if err != nil {
				s.log.Warn("dropping unencodable event", "kind", ev.Kind, "error", err)
				continue
			}
			if !writeFrame(data) {
				return
			}
		}
	}
}

func cursorParam(c *gin.Context, name string) *int64 {
	v := c.Query(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// runnerHandler handles GET /ws/runner: upgrades the connection and hands
// it to the runner hub, which owns it for its whole life.
func (s *Server) runnerHandler(c *gin.Context) {
	if s.runnerHub == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "runner endpoint not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	if err := s.runnerHub.HandleConnection(c.Request.Context(), runnerwire.NewWebsocketTransport(conn)); err != nil {
		s.log.Warn("runner connection ended with error", "error", err)
	}
}

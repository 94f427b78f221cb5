package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wuhu-labs/wuhu/pkg/sessionactor"
	"github.com/wuhu-labs/wuhu/pkg/wuhuerr"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusForKind maps the core's error kinds to HTTP status codes.
func statusForKind(kind wuhuerr.Kind) int {
	switch kind {
	case wuhuerr.KindNotFound:
		return http.StatusNotFound
	case wuhuerr.KindConflict:
		return http.StatusConflict
	case wuhuerr.KindInputDoesNotFit:
		return http.StatusRequestEntityTooLarge
	case wuhuerr.KindGiveUp, wuhuerr.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders a core error as JSON, logging anything that maps
// to a 5xx.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, sessionactor.ErrActorClosed) {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	kind, ok := wuhuerr.KindOf(err)
	if !ok {
		slog.Error("unclassified error on command surface", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("command failed", "kind", kind, "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

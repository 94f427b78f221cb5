package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wuhu-labs/wuhu/pkg/store"
	"github.com/wuhu-labs/wuhu/pkg/transcript"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// createSessionHandler handles POST /api/v1/sessions: resolves the named
// environment to an immutable snapshot and creates the session row plus
// its header entry in one store transaction.
func (s *Server) createSessionHandler(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	env, err := s.resolveEnvironment(c, req)
	if err != nil {
		respondError(c, err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	session, _, err := s.store.CreateSession(c.Request.Context(), store.CreateSessionParams{
		ID:              id,
		Provider:        req.Provider,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		ParentSessionID: req.ParentSessionID,
		WorkingDir:      req.WorkingDir,
		Environment:     env,
		HeaderPayload: transcript.Header{
			Version:      1,
			SystemPrompt: req.SystemPrompt,
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(session))
}

// resolveEnvironment turns the request's environment reference into the
// snapshot stored on the session. A request with no reference gets a
// bare snapshot built from the working directory.
func (s *Server) resolveEnvironment(c *gin.Context, req createSessionRequest) (wuhutypes.EnvironmentSnapshot, error) {
	ctx := c.Request.Context()
	switch {
	case req.EnvironmentID != "":
		env, err := s.store.GetEnvironment(ctx, req.EnvironmentID)
		if err != nil {
			return wuhutypes.EnvironmentSnapshot{}, err
		}
		return snapshotOf(env), nil
	case req.EnvironmentName != "":
		env, err := s.store.GetEnvironmentByName(ctx, req.EnvironmentName)
		if err != nil {
			return wuhutypes.EnvironmentSnapshot{}, err
		}
		return snapshotOf(env), nil
	default:
		return wuhutypes.EnvironmentSnapshot{
			Name: "adhoc",
			Type: "folder",
			Path: req.WorkingDir,
		}, nil
	}
}

func snapshotOf(env wuhutypes.Environment) wuhutypes.EnvironmentSnapshot {
	return wuhutypes.EnvironmentSnapshot{
		Name:          env.Name,
		Type:          env.Type,
		Path:          env.Path,
		TemplatePath:  env.TemplatePath,
		StartupScript: env.StartupScript,
		Metadata:      env.Metadata,
	}
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	params := store.ListSessionsParams{Limit: 50}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			params.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			params.Offset = n
		}
	}
	if v := c.Query("parent_session_id"); v != "" {
		params.ParentSessionID = &v
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), params)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionToResponse(session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// getTranscriptHandler handles GET /api/v1/sessions/:id/transcript with
// optional since (exclusive entry id), since_time (RFC 3339), and limit.
func (s *Server) getTranscriptHandler(c *gin.Context) {
	params := store.GetEntriesParams{}
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid since: %v", err)})
			return
		}
		params.Since = &n
	}
	if v := c.Query("since_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid since_time: %v", err)})
			return
		}
		params.SinceTime = &ts
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.Limit = n
		}
	}

	entries, err := s.store.GetEntries(c.Request.Context(), c.Param("id"), params)
	if err != nil {
		respondError(c, err)
		return
	}

	wire, err := entriesToResponse(entries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": wire})
}

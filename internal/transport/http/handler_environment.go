package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

// createEnvironmentHandler handles POST /api/v1/environments.
func (s *Server) createEnvironmentHandler(c *gin.Context) {
	var req environmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	env, err := s.store.CreateEnvironment(c.Request.Context(), wuhutypes.Environment{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Type:          req.Type,
		Path:          req.Path,
		TemplatePath:  req.TemplatePath,
		StartupScript: req.StartupScript,
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, environmentToResponse(env))
}

// listEnvironmentsHandler handles GET /api/v1/environments.
func (s *Server) listEnvironmentsHandler(c *gin.Context) {
	envs, err := s.store.ListEnvironments(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]environmentResponse, 0, len(envs))
	for _, env := range envs {
		out = append(out, environmentToResponse(env))
	}
	c.JSON(http.StatusOK, gin.H{"environments": out})
}

// getEnvironmentHandler handles GET /api/v1/environments/:id.
func (s *Server) getEnvironmentHandler(c *gin.Context) {
	env, err := s.store.GetEnvironment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, environmentToResponse(env))
}

// updateEnvironmentHandler handles PUT /api/v1/environments/:id. Sessions
// that already reference this environment keep their creation-time
// snapshot; only future sessions see the update.
func (s *Server) updateEnvironmentHandler(c *gin.Context) {
	var req environmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	env, err := s.store.UpdateEnvironment(c.Request.Context(), wuhutypes.Environment{
		ID:            c.Param("id"),
		Name:          req.Name,
		Type:          req.Type,
		Path:          req.Path,
		TemplatePath:  req.TemplatePath,
		StartupScript: req.StartupScript,
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, environmentToResponse(env))
}

// deleteEnvironmentHandler handles DELETE /api/v1/environments/:id.
func (s *Server) deleteEnvironmentHandler(c *gin.Context) {
	if err := s.store.DeleteEnvironment(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"
)

func parseLane(raw string) (wuhutypes.Lane, bool) {
	switch wuhutypes.Lane(raw) {
	case wuhutypes.LaneSteer:
		return wuhutypes.LaneSteer, true
	case wuhutypes.LaneFollowUp:
		return wuhutypes.LaneFollowUp, true
	case wuhutypes.LaneSystem:
		return wuhutypes.LaneSystem, true
	default:
		return "", false
	}
}

// enqueueHandler handles POST /api/v1/sessions/:id/enqueue: the
// participant-message command for the steer and follow-up lanes. Returns
// as soon as the enqueue commits; the turn it triggers is observed via
// subscription.
func (s *Server) enqueueHandler(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	lane, ok := parseLane(req.Lane)
	if !ok || lane == wuhutypes.LaneSystem {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "lane must be steer or follow_up"})
		return
	}

	actor, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	itemID, err := actor.EnqueueDetached(c.Request.Context(), lane, req.AuthorID, req.AuthorKind, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue_item_id": itemID})
}

// enqueueSystemHandler handles POST /api/v1/sessions/:id/enqueue-system:
// machine-sourced input on the system lane, not cancelable.
func (s *Server) enqueueSystemHandler(c *gin.Context) {
	var req enqueueSystemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	actor, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	itemID, err := actor.EnqueueSystemDetached(c.Request.Context(), wuhutypes.SystemSource(req.Source), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queue_item_id": itemID})
}

// cancelHandler handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancelHandler(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	lane, ok := parseLane(req.Lane)
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown lane"})
		return
	}

	actor, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := actor.Cancel(c.Request.Context(), lane, req.QueueItemID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

// setModelHandler handles POST /api/v1/sessions/:id/model. Applied
// immediately only when the session is Idle; otherwise recorded for the
// next idle transition.
func (s *Server) setModelHandler(c *gin.Context) {
	var req setModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	actor, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := actor.SetModel(c.Request.Context(), req.Provider, req.Model, req.ReasoningEffort)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied": result.Applied,
		"selection": gin.H{
			"provider":         result.Selection.Provider,
			"model":            result.Selection.Model,
			"reasoning_effort": result.Selection.ReasoningEffort,
		},
	})
}

// stopHandler handles POST /api/v1/sessions/:id/stop.
func (s *Server) stopHandler(c *gin.Context) {
	actor, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := actor.Stop(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stop_entry_id":    result.StopEntryID,
		"repaired_entries": result.RepairedEntries,
	})
}

package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine"
)

type submitRunRequest struct {
	Workflow workflow.Definition    `json:"workflow"`
	Inputs   map[string]interface{} `json:"inputs"`
}

type submitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type nodeKindResponse struct {
	Kind   workflow.NodeKind   `json:"kind"`
	Schema workflow.NodeSchema `json:"schema"`
}

func (s *Server) submitRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}

	runID, err := s.runs.SubmitRun(c.Request.Context(), req.Workflow, req.Inputs)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Location", "/api/v1/runs/"+runID)
	c.JSON(http.StatusAccepted, submitRunResponse{RunID: runID, Status: string(workflow.RunPending)})
}

func (s *Server) getRun(c *gin.Context) {
	status, err := s.runs.GetRunStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.runs.CancelRun(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "cancelling"})
}

func (s *Server) validateWorkflow(c *gin.Context) {
	var def workflow.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}
	if err := s.runs.Validate(def); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) listNodeKinds(c *gin.Context) {
	kinds := s.runs.NodeKinds()
	out := make([]nodeKindResponse, 0, len(kinds))
	for kind, schema := range kinds {
		out = append(out, nodeKindResponse{Kind: kind, Schema: schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	c.JSON(http.StatusOK, gin.H{"node_kinds": out})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var gv *workflow.GraphValidationError
	switch {
	case errors.As(err, &gv):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   string(workflow.ErrorKindGraphValidation),
			"message": gv.Message,
			"details": gv,
		})
	case errors.Is(err, engine.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, engine.ErrRunFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
	case errors.Is(err, engine.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine is shutting down"})
	default:
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
)

type ReconHandler struct {
	svc recondomain.Service
}

func NewReconHandler(svc recondomain.Service) *ReconHandler {
	return &ReconHandler{svc: svc}
}

func (h *ReconHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/recon/runs", h.startRun)
	rg.GET("/recon/runs", h.listRuns)
	rg.GET("/recon/runs/:id", h.getRun)
	rg.POST("/recon/runs/:id/cancel", h.cancelRun)
	rg.GET("/recon/results", h.listResults)
	rg.GET("/recon/results/:id", h.getResult)
	rg.PATCH("/recon/results/:id/status", h.updateResultStatus)
}

// startRun returns 202: the run row exists, execution is asynchronous and
// observed via the run status endpoint.
func (h *ReconHandler) startRun(c *gin.Context) {
	var req recondomain.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	run, err := h.svc.StartRun(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": run})
}

func (h *ReconHandler) listRuns(c *gin.Context) {
	var req recondomain.ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	runs, page, err := h.svc.ListRuns(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs, "page": page})
}

func (h *ReconHandler) getRun(c *gin.Context) {
	runID, ok := parseID(c)
	if !ok {
		return
	}

	run, err := h.svc.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (h *ReconHandler) cancelRun(c *gin.Context) {
	runID, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.svc.CancelRun(c.Request.Context(), runID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (h *ReconHandler) listResults(c *gin.Context) {
	var req recondomain.ListResultsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	results, page, err := h.svc.ListResults(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results, "page": page})
}

func (h *ReconHandler) getResult(c *gin.Context) {
	resultID, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.svc.GetResult(c.Request.Context(), resultID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type updateStatusRequest struct {
	Status recondomain.ResultStatus `json:"status" binding:"required"`
}

func (h *ReconHandler) updateResultStatus(c *gin.Context) {
	resultID, ok := parseID(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	result, err := h.svc.UpdateResultStatus(c.Request.Context(), resultID, req.Status)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func parseID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "malformed id", Code: "invalid_id"})
		return 0, false
	}
	return id, true
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	actiondomain "github.com/smallbiznis/recoup/internal/action/domain"
)

type ActionHandler struct {
	svc actiondomain.Service
}

func NewActionHandler(svc actiondomain.Service) *ActionHandler {
	return &ActionHandler{svc: svc}
}

func (h *ActionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/actions/draft", h.draft)
	rg.GET("/actions", h.list)
	rg.GET("/actions/:id", h.get)
	rg.POST("/actions/:id/complete", h.complete)
	rg.POST("/actions/:id/fail", h.fail)
	rg.POST("/actions/:id/cancel", h.cancel)
}

func (h *ActionHandler) draft(c *gin.Context) {
	var req actiondomain.DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	action, err := h.svc.Draft(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": action})
}

func (h *ActionHandler) list(c *gin.Context) {
	var req actiondomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	actions, page, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": actions, "page": page})
}

func (h *ActionHandler) get(c *gin.Context) {
	actionID, ok := parseID(c)
	if !ok {
		return
	}

	action, err := h.svc.Get(c.Request.Context(), actionID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": action})
}

type completeActionRequest struct {
	ExternalRef string `json:"external_ref"`
}

func (h *ActionHandler) complete(c *gin.Context) {
	actionID, ok := parseID(c)
	if !ok {
		return
	}

	var req completeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	action, err := h.svc.Complete(c.Request.Context(), actionID, req.ExternalRef)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": action})
}

type failActionRequest struct {
	Reason string `json:"reason"`
}

func (h *ActionHandler) fail(c *gin.Context) {
	actionID, ok := parseID(c)
	if !ok {
		return
	}

	var req failActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	action, err := h.svc.Fail(c.Request.Context(), actionID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": action})
}

func (h *ActionHandler) cancel(c *gin.Context) {
	actionID, ok := parseID(c)
	if !ok {
		return
	}

	action, err := h.svc.Cancel(c.Request.Context(), actionID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": action})
}

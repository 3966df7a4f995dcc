package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
)

type EntitlementHandler struct {
	svc entdomain.Service
}

func NewEntitlementHandler(svc entdomain.Service) *EntitlementHandler {
	return &EntitlementHandler{svc: svc}
}

func (h *EntitlementHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/entitlements", h.create)
	rg.GET("/entitlements", h.list)
}

func (h *EntitlementHandler) create(c *gin.Context) {
	var req entdomain.CreateEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return
	}

	ent, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": ent})
}

func (h *EntitlementHandler) list(c *gin.Context) {
	var req entdomain.ListEntitlementsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	ents, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ents})
}

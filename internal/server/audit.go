package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
)

type AuditHandler struct {
	svc auditdomain.Service
}

func NewAuditHandler(svc auditdomain.Service) *AuditHandler {
	return &AuditHandler{svc: svc}
}

func (h *AuditHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/audit", h.list)
}

func (h *AuditHandler) list(c *gin.Context) {
	var req auditdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	logs, page, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs, "page": page})
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
)

type DashboardHandler struct {
	svc recondomain.Service
}

func NewDashboardHandler(svc recondomain.Service) *DashboardHandler {
	return &DashboardHandler{svc: svc}
}

func (h *DashboardHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/dashboard/summary", h.summary)
}

func (h *DashboardHandler) summary(c *gin.Context) {
	summary, err := h.svc.Summary(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

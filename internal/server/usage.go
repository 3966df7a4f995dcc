package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/recoup/internal/orgcontext"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

type UsageHandler struct {
	svc usagedomain.Service
}

func NewUsageHandler(svc usagedomain.Service) *UsageHandler {
	return &UsageHandler{svc: svc}
}

func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/usage/actual", h.ingestActual)
	rg.POST("/usage/reported", h.ingestReported)
	rg.GET("/usage/actual", h.aggregateActual)
	rg.GET("/usage/reported", h.aggregateReported)
}

// decodeFacts accepts either one fact object or a JSON array of facts.
func decodeFacts(c *gin.Context) ([]usagedomain.IngestFactRequest, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "unreadable body", Code: "invalid_body"})
		return nil, false
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var facts []usagedomain.IngestFactRequest
		if err := json.Unmarshal(trimmed, &facts); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
			return nil, false
		}
		return facts, true
	}

	var fact usagedomain.IngestFactRequest
	if err := json.Unmarshal(trimmed, &fact); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_body"})
		return nil, false
	}
	return []usagedomain.IngestFactRequest{fact}, true
}

func (h *UsageHandler) ingestActual(c *gin.Context) {
	facts, ok := decodeFacts(c)
	if !ok {
		return
	}

	ingested := make([]*usagedomain.UsageFact, 0, len(facts))
	for _, req := range facts {
		fact, err := h.svc.IngestActual(c.Request.Context(), req)
		if err != nil {
			c.Error(err)
			return
		}
		ingested = append(ingested, fact)
	}
	c.JSON(http.StatusCreated, gin.H{"data": ingested})
}

func (h *UsageHandler) ingestReported(c *gin.Context) {
	facts, ok := decodeFacts(c)
	if !ok {
		return
	}

	ingested := make([]*usagedomain.ReportedFact, 0, len(facts))
	for _, req := range facts {
		fact, err := h.svc.IngestReported(c.Request.Context(), req)
		if err != nil {
			c.Error(err)
			return
		}
		ingested = append(ingested, fact)
	}
	c.JSON(http.StatusCreated, gin.H{"data": ingested})
}

type aggregateParams struct {
	AccountID   string    `form:"account_id"`
	ProductID   string    `form:"product_id"`
	PeriodStart time.Time `form:"period_start" time_format:"2006-01-02T15:04:05Z07:00"`
	PeriodEnd   time.Time `form:"period_end" time_format:"2006-01-02T15:04:05Z07:00"`
}

func (h *UsageHandler) aggregateActual(c *gin.Context) {
	h.aggregate(c, h.svc.AggregateActual)
}

func (h *UsageHandler) aggregateReported(c *gin.Context) {
	h.aggregate(c, h.svc.AggregateReported)
}

func (h *UsageHandler) aggregate(
	c *gin.Context,
	fn func(ctx context.Context, q usagedomain.AggregateQuery) ([]usagedomain.BucketTotal, error),
) {
	var params aggregateParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_query"})
		return
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	rows, err := fn(c.Request.Context(), usagedomain.AggregateQuery{
		OrgID:       orgID,
		AccountID:   params.AccountID,
		ProductID:   params.ProductID,
		PeriodStart: params.PeriodStart,
		PeriodEnd:   params.PeriodEnd,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	obscontext "github.com/smallbiznis/recoup/internal/observability/context"
	"github.com/smallbiznis/recoup/internal/orgcontext"
)

const orgHeader = "X-Org-Id"

// OrgScopeMiddleware requires the org header on every /api route and puts
// the parsed ID in the request context. Authentication lives in front of
// this service; the header is the trusted output of that layer.
func OrgScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(orgHeader))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
				Error: "missing " + orgHeader + " header",
				Code:  "invalid_organization",
			})
			return
		}

		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orgID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
				Error: "malformed " + orgHeader + " header",
				Code:  "invalid_organization",
			})
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		ctx = obscontext.WithOrgID(ctx, raw)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

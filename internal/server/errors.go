package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	actiondomain "github.com/smallbiznis/recoup/internal/action/domain"
	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ErrorHandlingMiddleware turns domain sentinels collected via c.Error into
// one JSON error response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status, code := mapError(err)
		c.AbortWithStatusJSON(status, errorResponse{
			Error: err.Error(),
			Code:  code,
		})
	}
}

// mapError classifies a domain error into an HTTP status and stable code.
// Used by both the error middleware and the request logger.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, usagedomain.ErrInvalidOrganization),
		errors.Is(err, entdomain.ErrInvalidOrganization),
		errors.Is(err, recondomain.ErrInvalidOrganization),
		errors.Is(err, actiondomain.ErrInvalidOrganization),
		errors.Is(err, auditdomain.ErrInvalidOrganization):
		return http.StatusBadRequest, "invalid_organization"

	case errors.Is(err, usagedomain.ErrInvalidAccount),
		errors.Is(err, entdomain.ErrInvalidAccount):
		return http.StatusBadRequest, "invalid_account"
	case errors.Is(err, usagedomain.ErrInvalidProduct),
		errors.Is(err, entdomain.ErrInvalidProduct):
		return http.StatusBadRequest, "invalid_product"
	case errors.Is(err, usagedomain.ErrInvalidUnits):
		return http.StatusBadRequest, "invalid_units"
	case errors.Is(err, usagedomain.ErrInvalidRecordedAt):
		return http.StatusBadRequest, "invalid_recorded_at"
	case errors.Is(err, usagedomain.ErrInvalidSource):
		return http.StatusBadRequest, "invalid_source"

	case errors.Is(err, usagedomain.ErrInvalidPeriod),
		errors.Is(err, entdomain.ErrInvalidPeriod),
		errors.Is(err, recondomain.ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_period"

	case errors.Is(err, entdomain.ErrInvalidIncludedUnits):
		return http.StatusBadRequest, "invalid_included_units"
	case errors.Is(err, entdomain.ErrInvalidOverageRate):
		return http.StatusBadRequest, "invalid_overage_rate"
	case errors.Is(err, entdomain.ErrOverlappingPeriod):
		return http.StatusConflict, "overlapping_entitlement_period"
	case errors.Is(err, entdomain.ErrAmbiguousEntitlement):
		return http.StatusConflict, "ambiguous_entitlement"

	case errors.Is(err, recondomain.ErrRunAlreadyInProgress):
		return http.StatusConflict, "run_already_in_progress"
	case errors.Is(err, recondomain.ErrRunNotFound):
		return http.StatusNotFound, "run_not_found"
	case errors.Is(err, recondomain.ErrRunNotCancellable):
		return http.StatusConflict, "run_not_cancellable"
	case errors.Is(err, recondomain.ErrResultNotFound):
		return http.StatusNotFound, "result_not_found"
	case errors.Is(err, recondomain.ErrInvalidResultStatus):
		return http.StatusBadRequest, "invalid_result_status"
	case errors.Is(err, recondomain.ErrInvalidStatusTransition):
		return http.StatusConflict, "invalid_status_transition"

	case errors.Is(err, actiondomain.ErrInvalidKind):
		return http.StatusBadRequest, "invalid_action_kind"
	case errors.Is(err, actiondomain.ErrActionNotFound):
		return http.StatusNotFound, "action_not_found"
	case errors.Is(err, actiondomain.ErrResultNotDraftable):
		return http.StatusConflict, "result_not_draftable"
	case errors.Is(err, actiondomain.ErrActionNotPending):
		return http.StatusConflict, "action_not_pending"

	case errors.Is(err, auditdomain.ErrInvalidAction):
		return http.StatusBadRequest, "invalid_action"

	case errors.Is(err, usagedomain.ErrStoreUnavailable),
		errors.Is(err, entdomain.ErrEntitlementStoreFault):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// classifyError feeds the request logger's error fields.
func classifyError(err error) (string, string) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal", code
	}
	return "domain", code
}

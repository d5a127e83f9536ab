package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/validation"
	"github.com/baseplate/timeseries/internal/storage"
)

// statusOf maps an error returned by the core to its HTTP status and
// error name.
func statusOf(err error) (int, string) {
	switch {
	case validation.IsValidationError(err), ngsi.IsUsageError(err):
		return http.StatusBadRequest, "BadRequest"
	case ngsi.IsInvalidParameter(err):
		return http.StatusUnprocessableEntity, "InvalidParameterValue"
	case ngsi.IsAmbiguousID(err):
		return http.StatusConflict, "AmbiguousEntityId"
	case errors.Is(err, ngsi.ErrAggregationUnsupported), errors.Is(err, ngsi.ErrSchemaNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, ngsi.ErrNotImplemented), errors.Is(err, ngsi.ErrGeoQueryUnsupported):
		return http.StatusNotImplemented, "NotImplemented"
	case errors.Is(err, storage.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "ServiceUnavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	}
	return http.StatusInternalServerError, "InternalError"
}

func respondError(c *gin.Context, err error) {
	code, name := statusOf(err)
	body := gin.H{"error": name, "description": err.Error()}
	if ve := validation.GetValidationErrors(err); ve != nil {
		body["details"] = ve.Errors
	}
	c.AbortWithStatusJSON(code, body)
}

func respondNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "NotFound", "description": "No records were found for such query."})
}

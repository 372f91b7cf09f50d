package api

import (
	"errors"
	"net/http"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByKind = map[models.ErrorKind]int{
	models.KindValidation:         http.StatusBadRequest,
	models.KindNotFound:           http.StatusNotFound,
	models.KindInventoryExhausted: http.StatusConflict,
	models.KindAuthFailure:        http.StatusServiceUnavailable,
	models.KindGatewayUnavailable: http.StatusServiceUnavailable,
	models.KindGatewayRejected:    http.StatusBadGateway,
	models.KindMalformedCallback:  http.StatusBadRequest,
	models.KindUnknownCorrelation: http.StatusNotFound,
	models.KindIntegrity:          http.StatusInternalServerError,
}

// writeError renders err as {error, code, details}. Errors without a kind are
// treated as internal faults and their cause is only logged.
func writeError(c *gin.Context, err error) {
	var e *models.Error
	if !errors.As(err, &e) {
		util.GetLogger().Error("Unhandled error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "internal_error",
		})
		return
	}

	status, ok := statusByKind[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}

	body := gin.H{
		"error": e.Detail,
		"code":  string(e.Kind),
	}
	if e.Detail == "" {
		body["error"] = string(e.Kind)
	}
	if e.Remaining != nil {
		body["remaining"] = *e.Remaining
	}
	if e.Err != nil && status < http.StatusInternalServerError {
		body["details"] = e.Err.Error()
	}
	c.JSON(status, body)
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/coordinator"
)

// respondError writes the standard ash error envelope. The embedded AppError
// keeps its code on the wire, so callers on the other side of a runner
// boundary can re-apply typed checks like IsCapacityFull after decoding.
// Unexpected errors are logged and masked as a generic internal failure.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		appErr = apperrors.InternalError("request failed", nil)
	} else if appErr.HTTPStatus >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code),
			zap.Error(err))
	}
	c.JSON(apperrors.GetHTTPStatus(appErr), coordinator.ErrorResponse{Error: appErr})
}

// respondBadRequest wraps a binding or validation failure.
func respondBadRequest(c *gin.Context, message string) {
	appErr := apperrors.BadRequest(message)
	c.JSON(appErr.HTTPStatus, coordinator.ErrorResponse{Error: appErr})
}

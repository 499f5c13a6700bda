package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const internalErrorMessage = "Internal Server Error"

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput, domain.KindConflict:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": msg}. Internal errors are logged and
// replaced by a generic message.
func writeError(c echo.Context, err error, logger *log.Logger) error {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"route":  c.Path(),
		}).Error("request failed")
		msg = internalErrorMessage
	}
	return c.JSON(status, errorResponse{Error: msg})
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/backup"
	"github.com/loykin/proxyvisor/internal/configstore"
	"github.com/loykin/proxyvisor/internal/engine"
)

// statusFor maps domain errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, configstore.ErrNotFound), errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, configstore.ErrParse):
		return http.StatusUnprocessableEntity, "parse_error"
	case errors.Is(err, backup.ErrInvalidName), errors.Is(err, backup.ErrInvalidLabel):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, configstore.ErrLockContention):
		return http.StatusConflict, "lock_contention"
	case errors.Is(err, backup.ErrExists):
		return http.StatusConflict, "exists"
	case errors.Is(err, engine.ErrBinaryNotFound):
		return http.StatusNotFound, "binary_not_found"
	case errors.Is(err, engine.ErrEarlyExit), errors.Is(err, engine.ErrEngineUnreachable):
		return http.StatusBadGateway, "engine_error"
	case errors.Is(err, configstore.ErrWrite):
		return http.StatusInternalServerError, "write_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (r *Router) fail(c *gin.Context, err error) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	writeJSON(c, code, errorResp{Error: kind, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: msg})
}

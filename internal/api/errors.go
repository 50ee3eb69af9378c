package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/valter-silva-au/agent-registry/internal/core"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// statusFor maps a domain error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name"
	case errors.Is(err, core.ErrDuplicateDependency):
		return http.StatusConflict, "duplicate_dependency"
	case errors.Is(err, core.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, core.ErrSelfDependency):
		return http.StatusUnprocessableEntity, "self_dependency"
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err as a JSON error response. Internal errors are logged by
// the access log and hidden from the caller.
func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code}
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest reports a body or query that could not be decoded.
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
}

func notImplemented(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusNotImplemented, errorBody{Error: what + " is not enabled", Code: "not_enabled"})
}

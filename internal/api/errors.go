package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/genproto/googleapis/rpc/code"

	"github.com/vietddude/conductor/internal/infra/storage"
	"github.com/vietddude/conductor/internal/resilience"
	"github.com/vietddude/conductor/internal/scheduler"
)

var (
	errRateLimited    = errors.New("rate limit exceeded")
	errNotConfigured  = errors.New("not configured")
	errBreakerUnknown = errors.New("breaker not found")
)

// errorResponse is the body of every failed request. Code is the canonical
// google.rpc.Code name.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to an HTTP status and canonical code.
func classify(err error) (int, code.Code) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, storage.ErrJobNotFound),
		errors.Is(err, errBreakerUnknown):
		return http.StatusNotFound, code.Code_NOT_FOUND
	case errors.Is(err, scheduler.ErrAlreadyTerminal),
		errors.Is(err, scheduler.ErrNotResubmittable):
		return http.StatusConflict, code.Code_FAILED_PRECONDITION
	case errors.Is(err, scheduler.ErrWaitCancelled):
		return http.StatusConflict, code.Code_CANCELLED
	case errors.Is(err, scheduler.ErrInvalidJob),
		errors.Is(err, scheduler.ErrInvalidConcurrency):
		return http.StatusBadRequest, code.Code_INVALID_ARGUMENT
	case errors.Is(err, scheduler.ErrDuplicateJob):
		return http.StatusConflict, code.Code_ALREADY_EXISTS
	case errors.Is(err, scheduler.ErrWaitTimeout):
		return http.StatusRequestTimeout, code.Code_DEADLINE_EXCEEDED
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable, code.Code_UNAVAILABLE
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, code.Code_RESOURCE_EXHAUSTED
	case errors.Is(err, errNotConfigured):
		return http.StatusNotImplemented, code.Code_UNIMPLEMENTED
	default:
		return http.StatusInternalServerError, code.Code_INTERNAL
	}
}

func writeError(c *gin.Context, err error) {
	status, rpcCode := classify(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: rpcCode.String()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error: err.Error(),
		Code:  code.Code_INVALID_ARGUMENT.String(),
	})
}

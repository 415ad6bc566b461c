package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/resilience"
	"github.com/switchboard-sh/switchboard/internal/pool"
	"github.com/switchboard-sh/switchboard/internal/terminal"
)

// Error codes carried in the error envelope. Clients switch on the
// code, not the HTTP status.
const (
	codePoolFull          = "pool_full"
	codeSessionNotFound   = "session_not_found"
	codeNotAcceptingInput = "not_accepting_input"
	codeInvalidRequest    = "invalid_request"
	codeSpawnFailed       = "spawn_failed"
	codeInternal          = "internal"
)

// respondError writes the error envelope and aborts the request.
func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}

// respondPoolError maps pool errors onto statuses and envelope codes.
func respondPoolError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		respondError(c, http.StatusNotFound, codeSessionNotFound, err.Error())
	case errors.Is(err, pool.ErrFull):
		respondError(c, http.StatusConflict, codePoolFull, err.Error())
	case errors.Is(err, pool.ErrNotAcceptingInput):
		respondError(c, http.StatusConflict, codeNotAcceptingInput, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrTooManyRequests),
		errors.Is(err, terminal.ErrNotFound),
		errors.Is(err, terminal.ErrPermissionDenied),
		errors.Is(err, terminal.ErrResourceExhausted):
		respondError(c, http.StatusBadGateway, codeSpawnFailed, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/modbus"
	"locker-control-backend/internal/queue"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/session"
	"locker-control-backend/internal/store"
)

// Error categories returned to kiosk and admin front-ends.
const (
	CategoryHardwareOffline   = "hardware_offline"
	CategoryLockerUnavailable = "locker_unavailable"
	CategorySessionExpired    = "session_expired"
	CategoryAssignmentFailed  = "assignment_failed"
	CategoryConflict          = "conflict"
	CategoryInvalidRequest    = "invalid_request"
	CategoryNotFound          = "not_found"
	CategoryServerError       = "server_error"
)

var errHardwareOffline = errors.New("kiosk hardware is unavailable")

// classify maps an error onto an HTTP status and a stable category.
// Unrecognised errors get fallback with status 500.
func classify(err error, fallback string) (int, string) {
	var hwErr *relay.HardwareError
	switch {
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, CategoryConflict
	case errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusGone, CategorySessionExpired
	case errors.Is(err, session.ErrNoLockersAvailable):
		return http.StatusUnprocessableEntity, CategoryLockerUnavailable
	case errors.Is(err, locker.ErrLockerUnavailable), errors.Is(err, locker.ErrInvalidTransition):
		return http.StatusConflict, CategoryLockerUnavailable
	case errors.Is(err, errHardwareOffline), errors.As(err, &hwErr),
		errors.Is(err, modbus.ErrPortUnavailable), errors.Is(err, modbus.ErrTimeout),
		errors.Is(err, modbus.ErrBusy), errors.Is(err, modbus.ErrMalformed):
		return http.StatusServiceUnavailable, CategoryHardwareOffline
	case errors.Is(err, queue.ErrInvalidRequest), errors.Is(err, queue.ErrTooManyLockers),
		errors.Is(err, session.ErrInvalidCard), errors.Is(err, relay.ErrUnknownLocker),
		errors.Is(err, relay.ErrCardDisabled):
		return http.StatusBadRequest, CategoryInvalidRequest
	case errors.Is(err, kiosk.ErrUnknownKiosk), errors.Is(err, locker.ErrLockerNotFound),
		errors.Is(err, queue.ErrCommandNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CategoryNotFound
	}
	return http.StatusInternalServerError, fallback
}

func errorBody(c *gin.Context, err error, fallback string) (int, gin.H) {
	status, category := classify(err, fallback)
	if status >= http.StatusInternalServerError {
		log.Printf("api: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	return status, gin.H{"error": category, "message": err.Error()}
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(c, err, CategoryServerError)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": CategoryInvalidRequest, "message": msg})
}

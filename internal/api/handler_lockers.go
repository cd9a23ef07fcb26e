package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/model"
)

// lockerResponse is the flattened structure for the API response.
type lockerResponse struct {
	LockerID    int                `json:"locker_id"`
	Status      model.LockerStatus `json:"status"`
	OwnerKey    string             `json:"owner_key,omitempty"`
	OwnerType   string             `json:"owner_type,omitempty"`
	Failures    int                `json:"consecutive_failures,omitempty"`
	LastChanged time.Time          `json:"last_changed"`
}

func newLockerResponse(l model.Locker) lockerResponse {
	return lockerResponse{
		LockerID:    l.LockerID,
		Status:      l.Status,
		OwnerKey:    l.Owner(),
		OwnerType:   l.OwnerType,
		Failures:    l.ConsecutiveFailures,
		LastChanged: l.LastChanged,
	}
}

// GetLockers handles GET /api/kiosks/:kiosk_id/lockers. ?status= filters.
func (h *Handler) GetLockers(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	lockers, err := h.lockers.GetAll(c.Request.Context(), k.ID())
	if err != nil {
		writeError(c, err)
		return
	}

	want := model.LockerStatus(c.Query("status"))
	response := make([]lockerResponse, 0, len(lockers))
	for _, l := range lockers {
		if want != "" && l.Status != want {
			continue
		}
		response = append(response, newLockerResponse(l))
	}
	c.JSON(http.StatusOK, response)
}

// historyResponse is one row of a locker's history.
type historyResponse struct {
	Operation string             `json:"operation"`
	From      model.LockerStatus `json:"from"`
	To        model.LockerStatus `json:"to"`
	OwnerKey  string             `json:"owner_key,omitempty"`
	Actor     string             `json:"actor,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	CommandID string             `json:"command_id,omitempty"`
	At        time.Time          `json:"at"`
}

// GetLockerHistory handles GET /api/kiosks/:kiosk_id/lockers/:locker_id/history.
func (h *Handler) GetLockerHistory(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	lockerID, ok := lockerParam(c)
	if !ok {
		return
	}
	limit, err := limitParam(c, 50, 500)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := h.lockers.Get(c.Request.Context(), k.ID(), lockerID); err != nil {
		writeError(c, err)
		return
	}

	events, err := h.lockers.History(c.Request.Context(), k.ID(), lockerID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response := make([]historyResponse, 0, len(events))
	for _, e := range events {
		response = append(response, historyResponse{
			Operation: e.Operation,
			From:      e.FromStatus,
			To:        e.ToStatus,
			OwnerKey:  e.OwnerKey,
			Actor:     e.Actor,
			Reason:    e.Reason,
			CommandID: e.CommandID,
			At:        e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type lockerActionRequest struct {
	RequestedBy string `json:"requested_by" binding:"required"`
	Reason      string `json:"reason"`
}

// LockerAction handles the administrative overrides
// POST /api/kiosks/:kiosk_id/lockers/:locker_id/{clear-error,block,unblock}.
func (h *Handler) LockerAction(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	lockerID, ok := lockerParam(c)
	if !ok {
		return
	}

	var apply func(ctx *gin.Context, meta locker.Meta) (model.Locker, error)
	switch c.Param("action") {
	case "clear-error":
		apply = func(ctx *gin.Context, meta locker.Meta) (model.Locker, error) {
			return h.lockers.ClearError(ctx.Request.Context(), k.ID(), lockerID, meta)
		}
	case "block":
		apply = func(ctx *gin.Context, meta locker.Meta) (model.Locker, error) {
			return h.lockers.Block(ctx.Request.Context(), k.ID(), lockerID, meta)
		}
	case "unblock":
		apply = func(ctx *gin.Context, meta locker.Meta) (model.Locker, error) {
			return h.lockers.Unblock(ctx.Request.Context(), k.ID(), lockerID, meta)
		}
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": CategoryNotFound, "message": fmt.Sprintf("unknown action %q", c.Param("action"))})
		return
	}

	var req lockerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	l, err := apply(c, locker.Meta{Actor: req.RequestedBy, Reason: req.Reason})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newLockerResponse(l))
}

func lockerParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("locker_id"))
	if err != nil || id < 1 {
		badRequest(c, "invalid locker id")
		return 0, false
	}
	return id, true
}

func limitParam(c *gin.Context, def, max int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

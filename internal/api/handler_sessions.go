package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/relay"
)

type scanRequest struct {
	CardID string `json:"card_id" binding:"required"`
}

// Scan handles POST /api/kiosks/:kiosk_id/scan.
func (h *Handler) Scan(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	// A session on a dead bus would only end in a failed assignment. An
	// unavailable bus gets one read of its cards first; any answer is
	// recorded and lets the scan through.
	if !k.Controller.IsHardwareAvailable() && !anyCardOnline(k.Controller.ProbeCards(c.Request.Context())) {
		writeError(c, errHardwareOffline)
		return
	}

	res, err := h.sessions.OnCardScan(c.Request.Context(), k.ID(), req.CardID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func anyCardOnline(cards []relay.CardStatus) bool {
	for _, st := range cards {
		if st.Enabled && st.Online {
			return true
		}
	}
	return false
}

type selectRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	LockerID  int    `json:"locker_id" binding:"required"`
}

// Select handles POST /api/kiosks/:kiosk_id/select.
func (h *Handler) Select(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.sessions.OnLockerSelect(c.Request.Context(), k.ID(), req.SessionID, req.LockerID)
	if err != nil {
		status, body := errorBody(c, err, CategoryAssignmentFailed)
		body["success"] = false
		c.AbortWithStatusJSON(status, body)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSession handles GET /api/kiosks/:kiosk_id/session.
func (h *Handler) GetSession(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.sessions.Status(k.ID()))
}

// CancelSession handles DELETE /api/kiosks/:kiosk_id/session?reason=.
func (h *Handler) CancelSession(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	reason := c.DefaultQuery("reason", "cancelled at kiosk")
	c.JSON(http.StatusOK, gin.H{"cancelled": h.sessions.Cancel(k.ID(), reason)})
}

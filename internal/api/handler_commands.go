package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/model"
	"locker-control-backend/internal/parse"
	"locker-control-backend/internal/queue"
)

type submitCommandRequest struct {
	LockerID    int    `json:"locker_id" binding:"required"`
	RequestedBy string `json:"requested_by" binding:"required"`
	Reason      string `json:"reason"`
	// KeepOwner opens the locker without releasing it.
	KeepOwner bool `json:"keep_owner"`
}

// SubmitCommand handles POST /api/kiosks/:kiosk_id/commands.
func (h *Handler) SubmitCommand(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	var req submitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	action := model.ActionRelease
	if req.KeepOwner {
		action = model.ActionOpen
	}
	cmd, err := k.Queue.Submit(c.Request.Context(), queue.Request{
		LockerIDs:     []int{req.LockerID},
		Action:        action,
		RequestedBy:   req.RequestedBy,
		RequesterType: model.OwnerStaff,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": cmd.CommandID, "status": cmd.Status})
}

type submitBulkRequest struct {
	LockerIDs []int `json:"locker_ids"`
	// Lockers is the range form, e.g. "1-5,8".
	Lockers     string `json:"lockers"`
	RequestedBy string `json:"requested_by" binding:"required"`
	Reason      string `json:"reason"`
	IntervalMs  int    `json:"interval_ms"`
}

// SubmitBulk handles POST /api/kiosks/:kiosk_id/commands/bulk.
func (h *Handler) SubmitBulk(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	var req submitBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ids := req.LockerIDs
	if req.Lockers != "" {
		parsed, err := parse.ParseList(req.Lockers, 1, k.Controller.Layout().Lockers())
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		ids = append(ids, parsed...)
	}
	if req.IntervalMs < 0 {
		badRequest(c, "interval_ms must not be negative")
		return
	}

	cmd, err := k.Queue.Submit(c.Request.Context(), queue.Request{
		LockerIDs:     ids,
		Action:        model.ActionRelease,
		RequestedBy:   req.RequestedBy,
		RequesterType: model.OwnerStaff,
		Reason:        req.Reason,
		IntervalMs:    req.IntervalMs,
		Bulk:          true,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"command_id":      cmd.CommandID,
		"status":          cmd.Status,
		"processed_count": len(cmd.LockerIDs),
		"interval_ms":     cmd.IntervalMs,
	})
}

// ListCommands handles GET /api/kiosks/:kiosk_id/commands?limit=.
func (h *Handler) ListCommands(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	limit, err := limitParam(c, 50, 500)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	cmds, err := k.Queue.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	c.JSON(http.StatusOK, cmds)
}

// GetCommand handles GET /api/commands/:command_id.
func (h *Handler) GetCommand(c *gin.Context) {
	cmd, err := h.registry.Command(c.Request.Context(), c.Param("command_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

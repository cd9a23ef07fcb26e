package api

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/notify"
)

// StreamEvents handles GET /api/kiosks/:kiosk_id/events as a server-sent
// event stream of the kiosk's hub events. ?types=locker_state,session
// narrows the stream.
func (h *Handler) StreamEvents(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}

	filter := notify.ForKiosk(k.ID())
	if raw := c.QueryArray("types"); len(raw) > 0 {
		types := make([]notify.EventType, 0, len(raw))
		for _, t := range splitCSV(raw) {
			types = append(types, notify.EventType(t))
		}
		byType := notify.OfType(types...)
		forKiosk := filter
		filter = func(e notify.Event) bool { return forKiosk(e) && byType(e) }
	}

	sub := h.hub.Subscribe(64, filter)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("ready", gin.H{"kiosk_id": k.ID()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case t := <-heartbeat.C:
			c.SSEvent("ping", t.UTC())
			return true
		}
	})
}

func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/relay"
)

// KioskResponse represents the API response for a single kiosk.
type KioskResponse struct {
	ID         string       `json:"id"`
	Zone       string       `json:"zone,omitempty"`
	Lockers    int          `json:"lockers"`
	RelayCards int          `json:"relay_cards"`
	Hardware   relay.Status `json:"hardware"`
	Connected  bool         `json:"connected"`
}

func kioskResponse(k *kiosk.Kiosk) KioskResponse {
	h := k.Controller.Health()
	return KioskResponse{
		ID:         k.ID(),
		Zone:       k.Config.Zone,
		Lockers:    k.Controller.Layout().Lockers(),
		RelayCards: len(k.Config.RelayCards),
		Hardware:   h.Status,
		Connected:  h.Connected,
	}
}

// GetKiosks handles the GET /api/kiosks request.
func (h *Handler) GetKiosks(c *gin.Context) {
	zone := c.Query("zone")
	responses := make([]KioskResponse, 0)
	for _, k := range h.registry.All() {
		if zone != "" && k.Config.Zone != zone {
			continue
		}
		responses = append(responses, kioskResponse(k))
	}
	c.JSON(http.StatusOK, responses)
}

// Discover handles GET /discover so kiosk launchers can find the gateway.
func (h *Handler) Discover(c *gin.Context) {
	type entry struct {
		ID   string `json:"id"`
		Zone string `json:"zone,omitempty"`
	}
	kiosks := make([]entry, 0)
	for _, k := range h.registry.All() {
		kiosks = append(kiosks, entry{ID: k.ID(), Zone: k.Config.Zone})
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway_port": h.cfg.Server.Port,
		"kiosks":       kiosks,
	})
}

// Health handles GET /health. It answers 200 while the process is up; the
// body carries each kiosk's hardware status.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	kiosks := make([]KioskResponse, 0)
	for _, k := range h.registry.All() {
		r := kioskResponse(k)
		if r.Hardware != relay.StatusHealthy {
			status = "degraded"
		}
		kiosks = append(kiosks, r)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"kiosks":          kiosks,
		"active_sessions": h.sessions.ActiveCount(),
	})
}

// GetHardwareHealth handles GET /api/kiosks/:kiosk_id/hardware/health.
func (h *Handler) GetHardwareHealth(c *gin.Context) {
	k, ok := h.kiosk(c)
	if !ok {
		return
	}
	resp := gin.H{
		"kiosk_id": k.ID(),
		"health":   k.Controller.Health(),
		"channels": k.Controller.ChannelStats(),
	}
	if h.monitor != nil {
		if rep, ok := h.monitor.Last(k.ID()); ok {
			resp["last_probe"] = rep
		}
	}
	c.JSON(http.StatusOK, resp)
}

// kiosk resolves the :kiosk_id parameter or writes a 404.
func (h *Handler) kiosk(c *gin.Context) (*kiosk.Kiosk, bool) {
	k, err := h.registry.Get(c.Param("kiosk_id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return k, true
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetVAPIDPublicKey handles GET /api/vapid_public_key. Besides the key an
// operator's browser needs to subscribe, it lists the kiosks whose alerts can
// be subscribed to.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_disabled", "message": "vapid keys are not configured"})
		return
	}

	kiosks := make([]string, 0)
	for _, k := range h.registry.All() {
		kiosks = append(kiosks, k.ID())
	}
	c.JSON(http.StatusOK, gin.H{
		"public_key": h.webpush.VAPIDPublicKey,
		"kiosks":     kiosks,
	})
}

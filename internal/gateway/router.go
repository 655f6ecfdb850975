package gateway

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the WebSocket upgrade endpoint on r. Health and
// metrics endpoints are registered separately by cmd/gateway since they
// are shared ambient concerns, not gateway-specific.
func (h *Hub) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.ServeWS)
}

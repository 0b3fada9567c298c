package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/utils"
	"github.com/hubrts/youtube-command-deck/internal/ws"
)

type RuntimeHandler struct {
	registry *jobs.Registry
	hub      *ws.Hub
}

func NewRuntimeHandler(registry *jobs.Registry, hub *ws.Hub) *RuntimeHandler {
	return &RuntimeHandler{registry: registry, hub: hub}
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RuntimeHandler) runtimeInfo() map[string]any {
	return map[string]any{
		"ws_enabled":     true,
		"ws_path":        "/ws",
		"retention_days": utils.GetEnvAsInt("RETENTION_DAYS", 60, nil),
	}
}

// GET /api/runtime
func (h *RuntimeHandler) Runtime(c *gin.Context) {
	RespondOK(c, gin.H{"runtime": h.runtimeInfo()})
}

// GET /ws — greeting then the event stream.
func (h *RuntimeHandler) ServeWS(c *gin.Context) {
	hello := h.registry.HelloPayload(h.runtimeInfo())
	h.hub.ServeWS(c.Writer, c.Request, hello)
}

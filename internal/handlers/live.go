package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/utils"
	"github.com/hubrts/youtube-command-deck/internal/workflows"
)

type LiveHandler struct {
	media *workflows.MediaWorkflow
}

func NewLiveHandler(media *workflows.MediaWorkflow) *LiveHandler {
	return &LiveHandler{media: media}
}

type urlRequest struct {
	URL string `json:"url"`
}

// POST /api/live/start
func (h *LiveHandler) StartLive(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		RespondError(c, http.StatusBadRequest, "url is required")
		return
	}
	outcome := h.media.StartLiveRecording(req.URL, 8*time.Second)
	RespondOK(c, gin.H{"item": outcome})
}

type stopLiveRequest struct {
	VideoID string `json:"video_id"`
}

// POST /api/live/stop
func (h *LiveHandler) StopLive(c *gin.Context) {
	var req stopLiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if utils.SafeVideoID(req.VideoID) == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	result, err := h.media.StopLiveRecording(req.VideoID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, err.Error())
		return
	}
	RespondOK(c, gin.H{"item": result})
}

// POST /api/direct_video
func (h *LiveHandler) DirectVideo(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		RespondError(c, http.StatusBadRequest, "url is required")
		return
	}
	outcome, err := h.media.RunDirectVideo(c.Request.Context(), req.URL)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"item": outcome})
}

// POST /api/direct_audio
func (h *LiveHandler) DirectAudio(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		RespondError(c, http.StatusBadRequest, "url is required")
		return
	}
	outcome, err := h.media.RunDirectAudio(c.Request.Context(), req.URL)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"item": outcome})
}

// POST /api/direct_save_server
func (h *LiveHandler) DirectSaveServer(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		RespondError(c, http.StatusBadRequest, "url is required")
		return
	}
	outcome, err := h.media.StartServerSave(c.Request.Context(), req.URL)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"item": outcome})
}

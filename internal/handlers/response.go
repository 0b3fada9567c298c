package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RespondOK merges ok:true into the payload.
func RespondOK(c *gin.Context, payload gin.H) {
	body := gin.H{"ok": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func RespondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"ok": false, "error": message})
}

// FriendlyAPIError rewrites known downloader failures into actionable text.
func FriendlyAPIError(err error) string {
	if err == nil {
		return "unknown error"
	}
	raw := err.Error()
	low := strings.ToLower(raw)
	switch {
	case strings.Contains(low, "rate-limited by youtube") ||
		(strings.Contains(low, "this content isn't available, try again later") &&
			(strings.Contains(low, "youtube") || strings.Contains(low, "yt-dlp"))):
		return "YouTube temporarily rate-limited this server session (can last up to about 1 hour). " +
			"This is not necessarily a bad video URL; YouTube is blocking requests right now. " +
			"Retry later, or rotate cookies/proxy to reduce blocking."
	case strings.Contains(low, "this video is private") || strings.Contains(low, "private video"):
		return "This video is private/unavailable for the current cookies/session. " +
			"Use cookies from an account that can access it."
	}
	return raw
}

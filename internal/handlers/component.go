package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/jobs"
)

type ComponentTestsHandler struct {
	registry *jobs.Registry
}

func NewComponentTestsHandler(registry *jobs.Registry) *ComponentTestsHandler {
	return &ComponentTestsHandler{registry: registry}
}

type componentStartRequest struct {
	Component string `json:"component"`
}

// POST /api/component_tests/start
func (h *ComponentTestsHandler) Start(c *gin.Context) {
	var req componentStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if active := h.registry.FindActiveComponentJob(req.Component); active != nil {
		c.JSON(http.StatusOK, gin.H{
			"ok":     false,
			"status": "already_running",
			"job":    active,
		})
		return
	}
	snap := h.registry.StartComponentTestsJob(req.Component)
	RespondOK(c, gin.H{"job": snap})
}

// GET /api/component_tests/jobs
func (h *ComponentTestsHandler) ListJobs(c *gin.Context) {
	activeOnly := isTruthy(c.Query("active_only"))
	RespondOK(c, gin.H{"items": h.registry.ListComponentTestJobs(activeOnly)})
}

// GET /api/component_tests/job?job_id=
func (h *ComponentTestsHandler) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Query("job_id"))
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "job_id is required")
		return
	}
	snap := h.registry.GetComponentTestJob(jobID)
	if snap == nil {
		RespondError(c, http.StatusNotFound, "job not found")
		return
	}
	RespondOK(c, gin.H{"item": snap})
}

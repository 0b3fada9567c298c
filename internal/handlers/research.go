package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/workflows"
)

type ResearchHandler struct {
	repo     repos.ResearchRepo
	registry *jobs.Registry
	juice    *workflows.JuiceWorkflow
}

func NewResearchHandler(repo repos.ResearchRepo, registry *jobs.Registry, juice *workflows.JuiceWorkflow) *ResearchHandler {
	return &ResearchHandler{repo: repo, registry: registry, juice: juice}
}

// GET /api/researches
func (h *ResearchHandler) ListResearches(c *gin.Context) {
	items, err := h.repo.LoadPublicRuns(c.Request.Context(), 50)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"items": items})
}

// GET /api/research?run_id=
func (h *ResearchHandler) GetResearch(c *gin.Context) {
	runID := strings.TrimSpace(c.Query("run_id"))
	if runID == "" {
		RespondError(c, http.StatusBadRequest, "run_id is required")
		return
	}
	item, err := h.repo.GetPublicRun(c.Request.Context(), runID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	if item == nil {
		RespondError(c, http.StatusNotFound, "research not found")
		return
	}
	RespondOK(c, gin.H{"item": item})
}

// knowledgeJuiceRuns filters public runs down to knowledge_juice kind.
func (h *ResearchHandler) knowledgeJuiceRuns(c *gin.Context, limit int) ([]repos.PublicRunSummary, error) {
	items, err := h.repo.LoadPublicRuns(c.Request.Context(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]repos.PublicRunSummary, 0, len(items))
	for _, item := range items {
		if kind, _ := item.Intent["run_kind"].(string); kind == "knowledge_juice" {
			out = append(out, item)
		}
	}
	return out, nil
}

// GET /api/knowledge_juices
func (h *ResearchHandler) ListKnowledgeJuices(c *gin.Context) {
	items, err := h.knowledgeJuiceRuns(c, 100)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"items": items})
}

// GET /api/knowledge_juice?run_id=
func (h *ResearchHandler) GetKnowledgeJuice(c *gin.Context) {
	runID := strings.TrimSpace(c.Query("run_id"))
	if runID == "" {
		RespondError(c, http.StatusBadRequest, "run_id is required")
		return
	}
	item, err := h.repo.GetPublicRun(c.Request.Context(), runID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	if item == nil {
		RespondError(c, http.StatusNotFound, "knowledge juice not found")
		return
	}
	RespondOK(c, gin.H{"item": item})
}

type knowledgeJuiceRequest struct {
	Topic      string         `json:"topic"`
	PrivateRun bool           `json:"private_run"`
	Config     map[string]any `json:"config"`

	MaxVideos      *int  `json:"max_videos"`
	MaxQueries     *int  `json:"max_queries"`
	PerQuery       *int  `json:"per_query"`
	MinDurationSec *int  `json:"min_duration_sec"`
	MaxDurationSec *int  `json:"max_duration_sec"`
	CaptionsOnly   *bool `json:"captions_only"`
}

func (r *knowledgeJuiceRequest) mergedConfig() map[string]any {
	cfg := map[string]any{}
	for k, v := range r.Config {
		cfg[k] = v
	}
	if r.MaxVideos != nil {
		cfg["max_videos"] = *r.MaxVideos
	}
	if r.MaxQueries != nil {
		cfg["max_queries"] = *r.MaxQueries
	}
	if r.PerQuery != nil {
		cfg["per_query"] = *r.PerQuery
	}
	if r.MinDurationSec != nil {
		cfg["min_duration_sec"] = *r.MinDurationSec
	}
	if r.MaxDurationSec != nil {
		cfg["max_duration_sec"] = *r.MaxDurationSec
	}
	if r.CaptionsOnly != nil {
		cfg["captions_only"] = *r.CaptionsOnly
	}
	return cfg
}

// POST /api/knowledge_juice — synchronous run.
func (h *ResearchHandler) RunKnowledgeJuice(c *gin.Context) {
	var req knowledgeJuiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		RespondError(c, http.StatusBadRequest, "topic is required")
		return
	}
	outcome, err := h.juice.RunSync(c.Request.Context(), req.Topic, req.PrivateRun)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"run_id":    outcome.RunID,
		"is_public": outcome.IsPublic,
		"report":    outcome.Report,
	})
}

// POST /api/knowledge_juice/start — background job.
func (h *ResearchHandler) StartKnowledgeJuiceJob(c *gin.Context) {
	var req knowledgeJuiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		RespondError(c, http.StatusBadRequest, "topic is required")
		return
	}
	snap, err := h.juice.StartJob(req.Topic, req.PrivateRun, req.mergedConfig())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"job": snap})
}

// GET /api/knowledge_juice/jobs?active_only=
func (h *ResearchHandler) ListKnowledgeJuiceJobs(c *gin.Context) {
	activeOnly := isTruthy(c.Query("active_only"))
	RespondOK(c, gin.H{"items": h.registry.ListBrewJobs(activeOnly)})
}

// GET /api/knowledge_juice/job?job_id=
func (h *ResearchHandler) GetKnowledgeJuiceJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Query("job_id"))
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "job_id is required")
		return
	}
	snap := h.registry.GetBrewJob(jobID)
	if snap == nil {
		RespondError(c, http.StatusNotFound, "job not found")
		return
	}
	RespondOK(c, gin.H{"item": snap})
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/utils"
	"github.com/hubrts/youtube-command-deck/internal/workflows"
)

type NotesHandler struct {
	notes     *workflows.NotesWorkflow
	qaHistory repos.QAHistoryRepo
}

func NewNotesHandler(notes *workflows.NotesWorkflow, qaHistory repos.QAHistoryRepo) *NotesHandler {
	return &NotesHandler{notes: notes, qaHistory: qaHistory}
}

type analyzeRequest struct {
	VideoID string `json:"video_id"`
	Force   bool   `json:"force"`
	Save    *bool  `json:"save"`
}

// POST /api/analyze
func (h *NotesHandler) Analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	videoID := utils.SafeVideoID(req.VideoID)
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	save := true
	if req.Save != nil {
		save = *req.Save
	}

	registry := h.notes.Registry()
	if !registry.TryStartNotesTask(videoID, "analyze") {
		c.JSON(http.StatusOK, gin.H{
			"ok":       false,
			"status":   "already_running",
			"error":    "Analysis is already running for this video.",
			"progress": registry.NotesProgress(videoID),
		})
		return
	}
	defer registry.FinishNotesTask(videoID, "analyze")

	outcome, err := h.notes.RunAnalysis(c.Request.Context(), videoID, req.Force, save)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"analysis":           outcome.Analysis,
		"cached":             outcome.Cached,
		"cache_age_sec":      outcome.CacheAgeSec,
		"lang":               outcome.Lang,
		"llm_backend":        outcome.LLMBackend,
		"llm_backend_detail": outcome.LLMDetail,
		"chunk_completed":    outcome.ChunkCompleted,
		"chunk_total":        outcome.ChunkTotal,
		"analysis_md_path":   outcome.AnalysisMDPath,
	})
}

type analyzeStoreRequest struct {
	VideoID    string `json:"video_id"`
	Analysis   string `json:"analysis"`
	LLMBackend string `json:"llm_backend"`
	LLMDetail  string `json:"llm_backend_detail"`
}

// POST /api/analyze_store
func (h *NotesHandler) AnalyzeStore(c *gin.Context) {
	var req analyzeStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	videoID := utils.SafeVideoID(req.VideoID)
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	if strings.TrimSpace(req.Analysis) == "" {
		RespondError(c, http.StatusBadRequest, "analysis is required")
		return
	}
	outcome, err := h.notes.StoreAnalysisResult(c.Request.Context(), videoID, req.Analysis, req.LLMBackend, req.LLMDetail)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"analysis":           outcome.Analysis,
		"cached":             false,
		"lang":               outcome.Lang,
		"llm_backend":        outcome.LLMBackend,
		"llm_backend_detail": outcome.LLMDetail,
		"analysis_md_path":   outcome.AnalysisMDPath,
	})
}

type askRequest struct {
	VideoID  string `json:"video_id"`
	Question string `json:"question"`
}

// POST /api/ask
func (h *NotesHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	videoID := utils.SafeVideoID(req.VideoID)
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		RespondError(c, http.StatusBadRequest, "question is required")
		return
	}

	registry := h.notes.Registry()
	if !registry.TryStartNotesTask(videoID, "ask") {
		c.JSON(http.StatusOK, gin.H{
			"ok":       false,
			"status":   "already_running",
			"error":    "A question is already being answered for this video.",
			"progress": registry.NotesProgress(videoID),
		})
		return
	}
	defer registry.FinishNotesTask(videoID, "ask")

	outcome, err := h.notes.RunQA(c.Request.Context(), videoID, req.Question, "web")
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"answer":             outcome.Answer,
		"llm_backend":        outcome.LLMBackend,
		"llm_backend_detail": outcome.LLMDetail,
		"cached":             outcome.Cached,
		"qa_md_path":         outcome.QAMDPath,
	})
}

// GET /api/analyze_progress?video_id=
func (h *NotesHandler) AnalyzeProgress(c *gin.Context) {
	videoID := utils.SafeVideoID(c.Query("video_id"))
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	registry := h.notes.Registry()
	item := registry.GetAnalyzeProgress(videoID)
	running := registry.IsNotesTaskRunning(videoID, "analyze")
	if running {
		if _, ok := item["video_id"]; !ok {
			item["video_id"] = videoID
		}
		item["status"] = "running"
		item["done"] = false
		if _, ok := item["message"]; !ok {
			item["message"] = "Running analysis..."
		}
	}
	item["in_progress"] = running
	RespondOK(c, gin.H{"item": item})
}

// GET /api/ask_progress?video_id=
func (h *NotesHandler) AskProgress(c *gin.Context) {
	videoID := utils.SafeVideoID(c.Query("video_id"))
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	registry := h.notes.Registry()
	item := registry.GetAskProgress(videoID)
	running := registry.IsNotesTaskRunning(videoID, "ask")
	if running {
		if _, ok := item["video_id"]; !ok {
			item["video_id"] = videoID
		}
		item["status"] = "running"
		item["done"] = false
		if _, ok := item["message"]; !ok {
			item["message"] = "Asking transcript..."
		}
	}
	item["in_progress"] = running
	RespondOK(c, gin.H{"item": item})
}

type saveTranscriptRequest struct {
	URL   string `json:"url"`
	Force bool   `json:"force"`
}

// POST /api/save_transcript
func (h *NotesHandler) SaveTranscript(c *gin.Context) {
	var req saveTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		RespondError(c, http.StatusBadRequest, "url is required")
		return
	}
	result, videoID, err := h.notes.SaveTranscriptFromURL(c.Request.Context(), req.URL, req.Force)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"video_id":        videoID,
		"title":           result.Title,
		"transcript_path": result.TranscriptPath,
		"source":          result.Source,
		"cached":          result.Cached,
	})
}

type clearHistoryRequest struct {
	DeleteFiles *bool `json:"delete_files"`
}

// POST /api/clear_history
func (h *NotesHandler) ClearHistory(c *gin.Context) {
	var req clearHistoryRequest
	_ = c.ShouldBindJSON(&req)
	deleteFiles := true
	if req.DeleteFiles != nil {
		deleteFiles = *req.DeleteFiles
	}
	outcome, err := h.notes.ClearHistory(c.Request.Context(), deleteFiles)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{
		"removed_index_entries": outcome.RemovedIndexEntries,
		"removed_transcripts":   outcome.RemovedTranscripts,
		"removed_captions":      outcome.RemovedCaptions,
	})
}

// GET /api/recent_searches
func (h *NotesHandler) RecentSearches(c *gin.Context) {
	items, err := h.qaHistory.LoadRecentSearches(c.Request.Context(), 15)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	RespondOK(c, gin.H{"items": items})
}

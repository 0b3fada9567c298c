package handlers

import (
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

type VideosHandler struct {
	archive    repos.ArchiveRepo
	transcript services.TranscriptService
}

func NewVideosHandler(archive repos.ArchiveRepo, transcript services.TranscriptService) *VideosHandler {
	return &VideosHandler{archive: archive, transcript: transcript}
}

// videoItem projects one archive record for the list/detail views. The
// transcript fields honor the invariant that a dangling transcript_path
// counts as transcript-less.
func (h *VideosHandler) videoItem(videoID string, rec types.ArchiveRecord, full bool) gin.H {
	transcriptPath := strings.TrimSpace(rec.GetString(types.RecTranscriptPath))
	hasTranscript := false
	transcriptChars := rec.GetInt(types.RecTranscriptChars)
	if transcriptPath != "" {
		if info, err := os.Stat(transcriptPath); err == nil && !info.IsDir() && info.Size() > 0 {
			hasTranscript = true
		} else {
			transcriptPath = ""
			transcriptChars = 0
		}
	}
	if transcriptPath == "" {
		if cached := h.transcript.CachedTranscriptPath(videoID); cached != "" {
			transcriptPath = cached
			hasTranscript = true
		}
	}

	title := strings.TrimSpace(rec.GetString(types.RecVideoTitle))
	if title == "" {
		title = strings.TrimSpace(rec.GetString(types.RecTitle))
	}
	if title == "" {
		title = videoID
	}

	item := gin.H{
		"video_id":          videoID,
		"title":             title,
		"channel":           rec.GetString(types.RecChannel),
		"url":               rec.GetString(types.RecSourceURL),
		"status":            rec.GetString(types.RecStatus),
		"date_key":          rec.GetString(types.RecDateKey),
		"service_key":       rec.GetString(types.RecServiceKey),
		"service_label":     rec.GetString(types.RecServiceLabel),
		"started_local":     rec.GetString(types.RecStartedLocal),
		"filename":          rec.GetString(types.RecFilename),
		"public_url":        rec.GetString(types.RecPublicURL),
		"full_filename":     rec.GetString(types.RecFullFilename),
		"full_public_url":   rec.GetString(types.RecFullPublicURL),
		"has_transcript":    hasTranscript,
		"transcript_path":   transcriptPath,
		"transcript_source": rec.GetString(types.RecTranscriptSource),
		"transcript_chars":  transcriptChars,
		"has_analysis":      strings.TrimSpace(rec.GetString(types.RecAnalysis)) != "",
		"analysis_lang":     rec.GetString(types.RecAnalysisLang),
		"qa_cache_size":     len(rec.GetList(types.RecQACache)),
	}
	if full {
		item["analysis"] = rec.GetString(types.RecAnalysis)
		item["analysis_md_path"] = rec.GetString(types.RecAnalysisMDPath)
		item["caption_path"] = rec.GetString(types.RecCaptionPath)
		item["notes"] = rec.GetString(types.RecNotesText)
		item["notes_updated_at_local"] = rec.GetString(types.RecNotesUpdatedAtLocal)
		item["qa_cache"] = rec.GetList(types.RecQACache)
	}
	return item
}

// GET /api/videos
func (h *VideosHandler) ListVideos(c *gin.Context) {
	idx, err := h.archive.LoadIndex(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	items := make([]gin.H, 0, len(idx))
	for videoID, rec := range idx {
		items = append(items, h.videoItem(videoID, rec, false))
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, _ := items[i]["started_local"].(string)
		b, _ := items[j]["started_local"].(string)
		if a != b {
			return a > b
		}
		va, _ := items[i]["video_id"].(string)
		vb, _ := items[j]["video_id"].(string)
		return va < vb
	})
	RespondOK(c, gin.H{"items": items})
}

// GET /api/video?video_id=
func (h *VideosHandler) GetVideo(c *gin.Context) {
	videoID := utils.SafeVideoID(c.Query("video_id"))
	if videoID == "" {
		RespondError(c, http.StatusBadRequest, "video_id is required")
		return
	}
	idx, err := h.archive.LoadIndex(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, FriendlyAPIError(err))
		return
	}
	rec := idx[videoID]
	if rec == nil {
		rec = types.ArchiveRecord{}
	}
	RespondOK(c, gin.H{"item": h.videoItem(videoID, rec, true)})
}

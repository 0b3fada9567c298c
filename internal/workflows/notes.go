package workflows

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// NotesWorkflow drives the analyze / ask / save-transcript operations the
// API exposes, wiring progress into the notes registry and results into the
// archive record, the QA history, and markdown exports.
type NotesWorkflow struct {
	log        *logger.Logger
	registry   *jobs.Registry
	state      *state.RuntimeState
	archive    repos.ArchiveRepo
	qaHistory  repos.QAHistoryRepo
	transcript services.TranscriptService
	analysis   services.AnalysisService
	qa         services.QAService
	exporter   services.NotesExporter

	tz *time.Location
}

func NewNotesWorkflow(
	log *logger.Logger,
	registry *jobs.Registry,
	runtime *state.RuntimeState,
	archive repos.ArchiveRepo,
	qaHistory repos.QAHistoryRepo,
	transcript services.TranscriptService,
	analysis services.AnalysisService,
	qa services.QAService,
	exporter services.NotesExporter,
) *NotesWorkflow {
	tzName := utils.GetEnv("LOCAL_TZ_NAME", "America/New_York", nil)
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		tz = time.UTC
	}
	return &NotesWorkflow{
		log:        log.With("workflow", "Notes"),
		registry:   registry,
		state:      runtime,
		archive:    archive,
		qaHistory:  qaHistory,
		transcript: transcript,
		analysis:   analysis,
		qa:         qa,
		exporter:   exporter,
		tz:         tz,
	}
}

func (w *NotesWorkflow) Registry() *jobs.Registry {
	return w.registry
}

func (w *NotesWorkflow) loadRecord(ctx context.Context, videoID string) (map[string]types.ArchiveRecord, types.ArchiveRecord) {
	idx, err := w.archive.LoadIndex(ctx)
	if err != nil {
		idx = map[string]types.ArchiveRecord{}
	}
	rec := idx[videoID]
	if rec == nil {
		rec = types.ArchiveRecord{}
	}
	return idx, rec
}

func (w *NotesWorkflow) saveRecord(ctx context.Context, idx map[string]types.ArchiveRecord, videoID string, rec types.ArchiveRecord) {
	w.state.WithStateLock(func() {
		idx[videoID] = rec
		if err := w.archive.SaveIndex(ctx, idx); err != nil {
			w.log.Error("Save index failed", "video_id", videoID, "error", err)
		}
	})
}

// resolveTranscriptPath prefers the record's stored path, falling back to
// the canonical location. The file must exist and be non-empty to count.
func (w *NotesWorkflow) resolveTranscriptPath(videoID string, rec types.ArchiveRecord) string {
	stored := strings.TrimSpace(rec.GetString(types.RecTranscriptPath))
	if stored != "" {
		if info, err := os.Stat(stored); err == nil && !info.IsDir() && info.Size() > 0 {
			return stored
		}
	}
	return w.transcript.TranscriptPathFor(videoID)
}

func (w *NotesWorkflow) resolveTitle(videoID string, rec types.ArchiveRecord, transcriptPath string) string {
	for _, key := range []string{types.RecVideoTitle, types.RecTitle} {
		if t := strings.TrimSpace(rec.GetString(key)); t != "" && !utils.IsVideoIDLike(t) {
			return t
		}
	}
	if text, err := w.transcript.ReadTranscript(transcriptPath); err == nil {
		if t := services.ExtractTitleFromSavedTranscript(text, ""); t != "" && !utils.IsVideoIDLike(t) {
			return t
		}
	}
	return videoID
}

type AnalysisOutcome struct {
	Analysis       string `json:"analysis"`
	Cached         bool   `json:"cached"`
	CacheAgeSec    int    `json:"cache_age_sec"`
	Lang           string `json:"lang"`
	LLMBackend     string `json:"llm_backend"`
	LLMDetail      string `json:"llm_backend_detail"`
	ChunkCompleted int    `json:"chunk_completed"`
	ChunkTotal     int    `json:"chunk_total"`
	AnalysisMDPath string `json:"analysis_md_path"`
}

// RunAnalysis analyzes the saved transcript, honoring the TTL cache unless
// forced, and optionally persists the result into the archive record.
func (w *NotesWorkflow) RunAnalysis(ctx context.Context, videoID string, force, save bool) (*AnalysisOutcome, error) {
	idx, rec := w.loadRecord(ctx, videoID)
	path := w.resolveTranscriptPath(videoID, rec)
	transcript, err := w.transcript.ReadTranscript(path)
	if err != nil {
		return nil, errors.New("Transcript file is missing for this video.")
	}

	startedAt := time.Now()
	estimatedParts := w.analysis.EstimateLocalParts(transcript)
	w.registry.SetAnalyzeProgress(videoID, map[string]any{
		"status": "running", "phase": "preparing", "done": false, "error": "",
		"message":    "Preparing analysis...",
		"started_at": utils.UTCNowISO(), "elapsed_sec": 0.0,
		"chunk_completed": 0, "chunk_total": estimatedParts,
		"generated_chars": 0, "generated_tokens": 0,
	})

	langCode, _ := w.analysis.OutputLanguageForText(transcript)
	ttlSec := w.analysis.TTLSeconds()
	title := w.resolveTitle(videoID, rec, path)
	youtubeURL := "https://www.youtube.com/watch?v=" + videoID

	if !force {
		if cached, ageSec := w.analysis.CachedAnalysis(rec, ttlSec, langCode); cached != "" {
			mdPath := w.exporter.SaveMarkdownNote(services.MarkdownNote{
				Kind: "analysis", VideoID: videoID, Title: title,
				TranscriptPath: path, YouTubeURL: youtubeURL,
				Analysis: cached, Cached: true,
			})
			if save {
				w.applyAnalysisToRecord(rec, path, title, cached, langCode, mdPath, true)
				w.saveRecord(ctx, idx, videoID, rec)
			}
			backend := services.ExtractLLMBackendLabel(cached)
			detail := services.ExtractLLMBackendDetail(cached)
			w.registry.SetAnalyzeProgress(videoID, map[string]any{
				"status": "completed", "phase": "cached", "done": true, "error": "",
				"message":     fmt.Sprintf("Loaded cached analysis (%ds old).", ageSec),
				"elapsed_sec": time.Since(startedAt).Seconds(),
				"chunk_completed": estimatedParts, "chunk_total": estimatedParts,
				"generated_chars": len(cached), "generated_tokens": maxOf(1, len(cached)/4),
				"llm_backend": backend, "llm_backend_detail": detail,
			})
			return &AnalysisOutcome{
				Analysis: cached, Cached: true, CacheAgeSec: ageSec, Lang: langCode,
				LLMBackend: backend, LLMDetail: detail,
				ChunkCompleted: estimatedParts, ChunkTotal: estimatedParts,
				AnalysisMDPath: mdPath,
			}, nil
		}
	}

	progress := func(chars, tokens int, done bool) {
		status := "running"
		message := fmt.Sprintf("Generating analysis... %d chars", chars)
		if done {
			status = "completed"
			message = "Analysis completed."
		}
		w.registry.SetAnalyzeProgress(videoID, map[string]any{
			"status": status, "phase": "analyzing", "done": done,
			"elapsed_sec":     time.Since(startedAt).Seconds(),
			"generated_chars": chars, "generated_tokens": tokens,
			"message": message,
		})
	}
	chunkProgress := func(completed, total int) {
		if total < 1 {
			total = 1
		}
		if completed < 0 {
			completed = 0
		}
		if completed > total {
			completed = total
		}
		w.registry.SetAnalyzeProgress(videoID, map[string]any{
			"status": "running", "phase": "chunking", "done": false,
			"elapsed_sec":     time.Since(startedAt).Seconds(),
			"chunk_completed": completed, "chunk_total": total,
			"message": fmt.Sprintf("Analyzing transcript parts: %d/%d", completed, total),
		})
	}

	analysisText, err := w.analysis.AnalyzeTranscript(ctx, title, transcript, progress, chunkProgress)
	if err == nil && strings.TrimSpace(analysisText) == "" {
		err = errors.New("LLM returned empty analysis.")
	}
	if err != nil {
		w.registry.SetAnalyzeProgress(videoID, map[string]any{
			"status": "failed", "phase": "failed", "done": true,
			"error": err.Error(), "message": "Analysis failed: " + err.Error(),
			"elapsed_sec": time.Since(startedAt).Seconds(),
		})
		return nil, err
	}

	backend := services.ExtractLLMBackendLabel(analysisText)
	detail := services.ExtractLLMBackendDetail(analysisText)
	mdPath := w.exporter.SaveMarkdownNote(services.MarkdownNote{
		Kind: "analysis", VideoID: videoID, Title: title,
		TranscriptPath: path, YouTubeURL: youtubeURL,
		Analysis: analysisText,
	})
	if save {
		w.applyAnalysisToRecord(rec, path, title, analysisText, langCode, mdPath, false)
		w.saveRecord(ctx, idx, videoID, rec)
	}

	snap := w.registry.GetAnalyzeProgress(videoID)
	chunkTotal := intFromAny(snap["chunk_total"], estimatedParts)
	if chunkTotal < 1 {
		chunkTotal = 1
	}
	chunkCompleted := intFromAny(snap["chunk_completed"], 0)
	if chunkCompleted <= 0 || chunkCompleted > chunkTotal {
		chunkCompleted = chunkTotal
	}
	generatedChars := maxOf(intFromAny(snap["generated_chars"], 0), len(analysisText))
	generatedTokens := maxOf(intFromAny(snap["generated_tokens"], 0), maxOf(1, len(analysisText)/4))
	w.registry.SetAnalyzeProgress(videoID, map[string]any{
		"status": "completed", "phase": "done", "done": true, "error": "",
		"message":     "Analysis completed.",
		"elapsed_sec": time.Since(startedAt).Seconds(),
		"chunk_completed": chunkCompleted, "chunk_total": chunkTotal,
		"generated_chars": generatedChars, "generated_tokens": generatedTokens,
		"llm_backend": backend, "llm_backend_detail": detail,
	})

	return &AnalysisOutcome{
		Analysis: analysisText, Lang: langCode,
		LLMBackend: backend, LLMDetail: detail,
		ChunkCompleted: chunkCompleted, ChunkTotal: chunkTotal,
		AnalysisMDPath: mdPath,
	}, nil
}

func (w *NotesWorkflow) applyAnalysisToRecord(rec types.ArchiveRecord, path, title, analysis, langCode, mdPath string, cached bool) {
	if title != "" && !utils.IsVideoIDLike(title) {
		rec[types.RecVideoTitle] = title
		rec[types.RecTitle] = title
	}
	rec[types.RecTranscriptPath] = path
	if strings.TrimSpace(rec.GetString(types.RecTranscriptSource)) == "" {
		rec[types.RecTranscriptSource] = types.TranscriptSourceFile
	}
	if rec.GetInt(types.RecTranscriptChars) <= 0 {
		if info, err := os.Stat(path); err == nil {
			rec[types.RecTranscriptChars] = int(info.Size())
		}
	}
	rec[types.RecAnalysis] = analysis
	rec[types.RecAnalysisLang] = langCode
	rec[types.RecAnalysisSavedAtEpoch] = time.Now().Unix()
	if mdPath != "" {
		rec[types.RecAnalysisMDPath] = mdPath
	}
}

// StoreAnalysisResult persists an externally produced analysis (e.g. one a
// browser session generated) into the record.
func (w *NotesWorkflow) StoreAnalysisResult(ctx context.Context, videoID, analysis, llmBackend, llmDetail string) (*AnalysisOutcome, error) {
	body := strings.TrimSpace(analysis)
	if body == "" {
		return nil, errors.New("analysis is required")
	}
	idx, rec := w.loadRecord(ctx, videoID)
	path := w.resolveTranscriptPath(videoID, rec)
	transcript, err := w.transcript.ReadTranscript(path)
	if err != nil {
		return nil, errors.New("Transcript file is missing for this video.")
	}

	langCode, _ := w.analysis.OutputLanguageForText(transcript)
	title := w.resolveTitle(videoID, rec, path)
	backend := strings.ToLower(strings.TrimSpace(llmBackend))
	if backend == "" {
		backend = services.ExtractLLMBackendLabel(body)
	}
	if backend == "" {
		backend = "browser"
	}
	detail := strings.TrimSpace(llmDetail)
	if detail == "" {
		detail = services.ExtractLLMBackendDetail(body)
	}
	if detail == "" {
		detail = "browser"
	}
	mdPath := w.exporter.SaveMarkdownNote(services.MarkdownNote{
		Kind: "analysis", VideoID: videoID, Title: title,
		TranscriptPath: path, YouTubeURL: "https://www.youtube.com/watch?v=" + videoID,
		Analysis: body,
	})
	w.applyAnalysisToRecord(rec, path, title, body, langCode, mdPath, false)
	w.saveRecord(ctx, idx, videoID, rec)

	return &AnalysisOutcome{
		Analysis: body, Lang: langCode,
		LLMBackend: backend, LLMDetail: detail,
		AnalysisMDPath: mdPath,
	}, nil
}

type QAOutcome struct {
	Answer     string `json:"answer"`
	LLMBackend string `json:"llm_backend"`
	LLMDetail  string `json:"llm_backend_detail"`
	Cached     bool   `json:"cached"`
	QAMDPath   string `json:"qa_md_path"`
}

// RunQA probes the record's answer cache, runs the grounded Q&A pipeline on
// a miss, and persists cache + history + markdown export.
func (w *NotesWorkflow) RunQA(ctx context.Context, videoID, question, source string) (*QAOutcome, error) {
	startedAt := time.Now()
	w.registry.SetAskProgress(videoID, map[string]any{
		"status": "running", "phase": "preparing", "done": false, "error": "",
		"message":    "Preparing transcript context...",
		"started_at": utils.UTCNowISO(), "elapsed_sec": 0.0, "cached": false,
	})

	failProgress := func(err error) {
		w.registry.SetAskProgress(videoID, map[string]any{
			"status": "failed", "phase": "failed", "done": true,
			"error": err.Error(), "message": "Ask failed: " + err.Error(),
			"elapsed_sec": time.Since(startedAt).Seconds(), "cached": false,
		})
	}

	idx, rec := w.loadRecord(ctx, videoID)
	transcriptPath := w.resolveTranscriptPath(videoID, rec)
	if _, err := os.Stat(transcriptPath); err != nil {
		err = errors.New("Transcript file is missing for this video.")
		failProgress(err)
		return nil, err
	}
	question = strings.TrimSpace(question)
	title := w.resolveTitle(videoID, rec, transcriptPath)
	stamp := services.TranscriptStamp(transcriptPath)

	var answer, backend, detail string
	cached := false
	if row := services.QACachedAnswer(rec, question, stamp); row != nil {
		cached = true
		answer = strings.TrimSpace(fmt.Sprint(row["answer"]))
		backend = strings.TrimSpace(fmt.Sprint(row["llm_backend"]))
		detail = strings.TrimSpace(fmt.Sprint(row["llm_backend_detail"]))
		if backend == "" {
			backend = services.ExtractLLMBackendLabel(answer)
		}
		if detail == "" {
			detail = services.ExtractLLMBackendDetail(answer)
		}
		w.registry.SetAskProgress(videoID, map[string]any{
			"status": "completed", "phase": "cached", "done": true, "error": "",
			"message":     "Loaded cached answer.",
			"elapsed_sec": time.Since(startedAt).Seconds(),
			"answer_chars": len(answer), "cached": true,
			"llm_backend": backend, "llm_backend_detail": detail,
		})
	} else {
		w.registry.SetAskProgress(videoID, map[string]any{
			"status": "running", "phase": "answering", "done": false, "error": "",
			"message":     "Generating answer from transcript...",
			"elapsed_sec": time.Since(startedAt).Seconds(), "cached": false,
		})
		result, err := w.qa.AnswerQuestion(ctx, services.QARequest{
			VideoID:        videoID,
			Question:       question,
			TranscriptPath: transcriptPath,
			TitleHint:      title,
		})
		if err != nil {
			failProgress(err)
			return nil, err
		}
		answer = result.Answer
		backend = result.Backend
		detail = result.BackendDetail

		services.SaveQACacheEntry(rec, question, stamp, answer, backend, detail)
		w.saveRecord(ctx, idx, videoID, rec)
		w.registry.SetAskProgress(videoID, map[string]any{
			"status": "completed", "phase": "done", "done": true, "error": "",
			"message":     "Answer ready.",
			"elapsed_sec": time.Since(startedAt).Seconds(),
			"answer_chars": len(answer), "cached": false,
			"llm_backend": backend, "llm_backend_detail": detail,
		})
	}

	youtubeURL := "https://www.youtube.com/watch?v=" + videoID
	mdPath := w.exporter.SaveMarkdownNote(services.MarkdownNote{
		Kind: "ask", VideoID: videoID, Title: title,
		TranscriptPath: transcriptPath, YouTubeURL: youtubeURL,
		Question: question, Answer: answer, Cached: cached,
	})

	if err := w.qaHistory.SaveEntry(ctx, types.TranscriptQAEntry{
		VideoID:        videoID,
		TranscriptPath: transcriptPath,
		Question:       question,
		Answer:         answer,
		Source:         source,
	}, map[string]any{
		"title":       title,
		"youtube_url": youtubeURL,
		"cached":      cached,
		"qa_md_path":  mdPath,
	}); err != nil {
		w.log.Warn("QA history save failed", "video_id", videoID, "error", err)
	}

	return &QAOutcome{
		Answer:     answer,
		LLMBackend: backend,
		LLMDetail:  detail,
		Cached:     cached,
		QAMDPath:   mdPath,
	}, nil
}

// SaveTranscriptFromURL implements the transcript-idempotence contract:
// an existing non-empty file short-circuits with cached=true unless forced.
func (w *NotesWorkflow) SaveTranscriptFromURL(ctx context.Context, url string, force bool) (*services.TranscriptResult, string, error) {
	videoID := utils.SafeVideoID(utils.ExtractYouTubeID(url))
	if videoID == "" {
		return nil, "", errors.New("Could not extract YouTube video ID from URL.")
	}

	idx, rec := w.loadRecord(ctx, videoID)
	if !force {
		existing := w.resolveTranscriptPath(videoID, rec)
		if info, err := os.Stat(existing); err == nil && !info.IsDir() && info.Size() > 0 {
			title := w.resolveTitle(videoID, rec, existing)
			if title != "" && !utils.IsVideoIDLike(title) {
				current := strings.TrimSpace(rec.GetString(types.RecVideoTitle))
				if current == "" {
					current = strings.TrimSpace(rec.GetString(types.RecTitle))
				}
				if current != title {
					rec[types.RecVideoTitle] = title
					rec[types.RecTitle] = title
					w.saveRecord(ctx, idx, videoID, rec)
				}
			}
			source := strings.TrimSpace(rec.GetString(types.RecTranscriptSource))
			if source == "" {
				source = types.TranscriptSourceCached
			}
			return &services.TranscriptResult{
				TranscriptPath: existing,
				Title:          title,
				Source:         source,
				Cached:         true,
			}, videoID, nil
		}
	}

	result, err := w.transcript.BuildTranscript(ctx, services.TranscriptRequest{
		VideoID:   videoID,
		URL:       url,
		TitleHint: videoID,
		Force:     force,
	})
	if err != nil {
		return nil, videoID, err
	}

	rec[types.RecVideoTitle] = result.Title
	rec[types.RecTitle] = result.Title
	rec[types.RecTranscriptPath] = result.TranscriptPath
	rec[types.RecTranscriptSource] = result.Source
	rec[types.RecTranscriptChars] = result.Chars
	rec[types.RecNotesUpdatedAtLocal] = utils.NowLocalStr(w.tz)
	if result.CaptionPath != "" {
		rec[types.RecCaptionPath] = result.CaptionPath
	}
	w.saveRecord(ctx, idx, videoID, rec)
	return result, videoID, nil
}

type ClearHistoryOutcome struct {
	RemovedIndexEntries int `json:"removed_index_entries"`
	RemovedTranscripts  int `json:"removed_transcripts"`
	RemovedCaptions     int `json:"removed_captions"`
}

// ClearHistory wipes the archive index and, optionally, the transcript and
// caption files.
func (w *NotesWorkflow) ClearHistory(ctx context.Context, deleteFiles bool) (*ClearHistoryOutcome, error) {
	out := &ClearHistoryOutcome{}
	idx, err := w.archive.LoadIndex(ctx)
	if err == nil {
		out.RemovedIndexEntries = len(idx)
	}
	w.state.WithStateLock(func() {
		if err := w.archive.SaveIndex(ctx, map[string]types.ArchiveRecord{}); err != nil {
			w.log.Error("Clearing archive index failed", "error", err)
		}
	})

	if deleteFiles {
		transcriptsDir := filepath.Join(w.transcript.DataDir(), "transcripts")
		matches, _ := filepath.Glob(filepath.Join(transcriptsDir, "*.txt"))
		for _, p := range matches {
			if err := os.Remove(p); err == nil {
				out.RemovedTranscripts++
			}
		}
		captionsDir := filepath.Join(w.transcript.DataDir(), "captions")
		capMatches, _ := filepath.Glob(filepath.Join(captionsDir, "*"))
		for _, p := range capMatches {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				if err := os.Remove(p); err == nil {
					out.RemovedCaptions++
				}
			}
		}
	}
	return out, nil
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func intFromAny(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

package workflows

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// MediaWorkflow exposes the direct-URL and live-recording flows to the API:
// job-style starts with a short startup wait and a single-flight server
// save.
type MediaWorkflow struct {
	log     *logger.Logger
	state   *state.RuntimeState
	media   services.MediaSourceService
	live    services.LiveSupervisor
	archive repos.ArchiveRepo

	saveMu     sync.Mutex
	activeSave map[string]any
}

func NewMediaWorkflow(
	log *logger.Logger,
	runtime *state.RuntimeState,
	media services.MediaSourceService,
	live services.LiveSupervisor,
	archive repos.ArchiveRepo,
) *MediaWorkflow {
	return &MediaWorkflow{
		log:     log.With("workflow", "Media"),
		state:   runtime,
		media:   media,
		live:    live,
		archive: archive,
	}
}

type DirectMediaOutcome struct {
	VideoID        string `json:"video_id"`
	Title          string `json:"title"`
	DownloadURL    string `json:"download_url"`
	MediaType      string `json:"media_type"`
	Temporary      bool   `json:"temporary"`
	SaveStatus     string `json:"save_status,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

func (w *MediaWorkflow) resolveDirectTitle(ctx context.Context, url, videoID, candidate string) string {
	raw := strings.TrimSpace(candidate)
	if raw != "" && !utils.IsVideoIDLike(raw) {
		return raw
	}
	vid := utils.SafeVideoID(videoID)
	if vid == "" {
		vid = utils.SafeVideoID(utils.ExtractYouTubeID(url))
	}
	if vid == "" {
		if raw != "" {
			return raw
		}
		return "Video"
	}
	idx, err := w.archive.LoadIndex(ctx)
	if err == nil {
		rec := idx[vid]
		for _, key := range []string{types.RecVideoTitle, types.RecTitle} {
			if t := strings.TrimSpace(rec.GetString(key)); t != "" && !utils.IsVideoIDLike(t) {
				return t
			}
		}
	}
	return vid
}

func (w *MediaWorkflow) RunDirectVideo(ctx context.Context, url string) (*DirectMediaOutcome, error) {
	srcURL := strings.TrimSpace(url)
	videoID := utils.SafeVideoID(utils.ExtractYouTubeID(srcURL))
	if videoID == "" {
		return nil, errors.New("Could not extract YouTube video ID from URL.")
	}
	directURL, title, err := w.media.DirectVideoURL(ctx, srcURL)
	if err != nil {
		if utils.LooksLikeVPSBlock(strings.ToLower(err.Error())) {
			// Anti-bot on direct resolution: the UI has to ask explicitly
			// for a server save instead.
			return &DirectMediaOutcome{
				VideoID:        videoID,
				Title:          w.resolveDirectTitle(ctx, srcURL, videoID, ""),
				MediaType:      "video",
				Temporary:      true,
				SaveStatus:     "manual_required",
				FallbackReason: "youtube_antibot_direct_blocked",
			}, nil
		}
		return nil, err
	}
	return &DirectMediaOutcome{
		VideoID:     videoID,
		Title:       w.resolveDirectTitle(ctx, srcURL, videoID, title),
		DownloadURL: directURL,
		MediaType:   "video",
		Temporary:   true,
	}, nil
}

func (w *MediaWorkflow) RunDirectAudio(ctx context.Context, url string) (*DirectMediaOutcome, error) {
	srcURL := strings.TrimSpace(url)
	videoID := utils.SafeVideoID(utils.ExtractYouTubeID(srcURL))
	if videoID == "" {
		return nil, errors.New("Could not extract YouTube video ID from URL.")
	}
	directURL, title, err := w.media.DirectAudioURL(ctx, srcURL)
	if err != nil {
		return nil, err
	}
	return &DirectMediaOutcome{
		VideoID:     videoID,
		Title:       w.resolveDirectTitle(ctx, srcURL, videoID, title),
		DownloadURL: directURL,
		MediaType:   "audio",
		Temporary:   true,
	}, nil
}

type LiveStartOutcome struct {
	LiveJobID      string `json:"live_job_id"`
	VideoID        string `json:"video_id"`
	URL            string `json:"url"`
	Status         string `json:"status"`
	StartupStatus  string `json:"startup_status"`
	StartupMessage string `json:"startup_message"`
}

// runnerSignal classifies supervisor status lines so the API can answer a
// start request before the recording finishes.
type runnerSignal struct {
	mu      sync.Mutex
	status  string
	message string
	err     string
	done    bool
	ch      chan struct{}
}

func newRunnerSignal() *runnerSignal {
	return &runnerSignal{ch: make(chan struct{}, 16)}
}

var startedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`LIVE recording started`),
	regexp.MustCompile(`Recording LIVE`),
}

func classifyStatusLine(clean string) string {
	switch {
	case strings.Contains(clean, "already being recorded"):
		return "already_running"
	case strings.Contains(clean, "Waiting for it to start"):
		return "upcoming"
	case strings.Contains(clean, "Saving archived LIVE"), strings.Contains(clean, "Archived LIVE saved"):
		return "archived"
	case strings.Contains(clean, "Timed out"),
		strings.Contains(clean, "Download failed"),
		strings.Contains(clean, "Could not read video info"),
		strings.Contains(clean, "blocked the server request"),
		strings.Contains(clean, "This video is private"):
		return "failed"
	}
	for _, pat := range startedPatterns {
		if pat.MatchString(clean) {
			return "started"
		}
	}
	return ""
}

func (s *runnerSignal) Update(text string) {
	clean := utils.StripANSI(text)
	status := classifyStatusLine(clean)
	s.mu.Lock()
	s.message = clean
	if status != "" {
		s.status = status
		if status == "failed" {
			s.err = clean
		}
	}
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *runnerSignal) markDone(err error) {
	s.mu.Lock()
	s.done = true
	if err != nil && s.err == "" {
		s.err = err.Error()
		s.status = "failed"
	}
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *runnerSignal) snapshot() (status, message, errText string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.message, s.err, s.done
}

// StartLiveRecording launches the download flow on a worker and waits a few
// seconds for a classifiable startup outcome.
func (w *MediaWorkflow) StartLiveRecording(url string, startupWait time.Duration) *LiveStartOutcome {
	srcURL := strings.TrimSpace(url)
	videoID := utils.SafeVideoID(utils.ExtractYouTubeID(srcURL))
	liveJobID := strings.ReplaceAll(uuid.New().String(), "-", "")
	signal := newRunnerSignal()

	go func() {
		err := w.live.RunDownloadFlow(context.Background(), srcURL, signal, 0)
		if err != nil {
			w.log.Warn("Live runner failed", "url", srcURL, "error", err)
		}
		signal.markDone(err)
	}()

	if startupWait < 2*time.Second {
		startupWait = 2 * time.Second
	}
	deadline := time.Now().Add(startupWait)
	startupStatus := "requested"
	startupMessage := ""

	for time.Now().Before(deadline) {
		if videoID != "" {
			if _, ok := w.state.GetActiveLive(videoID); ok {
				startupStatus = "started"
				break
			}
		}
		status, message, errText, done := signal.snapshot()
		if status != "" {
			startupStatus = status
			startupMessage = errText
			if startupMessage == "" {
				startupMessage = message
			}
			break
		}
		if done {
			startupStatus = "failed"
			startupMessage = errText
			if startupMessage == "" {
				startupMessage = "Live runner exited before startup."
			}
			break
		}
		select {
		case <-signal.ch:
		case <-time.After(250 * time.Millisecond):
		}
	}

	if startupMessage == "" {
		_, message, errText, _ := signal.snapshot()
		startupMessage = errText
		if startupMessage == "" {
			startupMessage = message
		}
	}
	if startupStatus == "requested" && videoID != "" {
		if _, ok := w.state.GetActiveLive(videoID); ok {
			startupStatus = "started"
		}
	}

	return &LiveStartOutcome{
		LiveJobID:      liveJobID,
		VideoID:        videoID,
		URL:            srcURL,
		Status:         startupStatus,
		StartupStatus:  startupStatus,
		StartupMessage: startupMessage,
	}
}

func (w *MediaWorkflow) StopLiveRecording(videoID string) (services.StopResult, error) {
	vid := utils.SafeVideoID(videoID)
	if vid == "" {
		return services.StopResult{}, errors.New("video_id is required")
	}
	return w.live.StopLive(vid), nil
}

type ServerSaveOutcome struct {
	SaveJobID   string `json:"save_job_id"`
	VideoID     string `json:"video_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublicURL   string `json:"public_url"`
	Status      string `json:"status"`
	Busy        bool   `json:"busy,omitempty"`
	BusyMessage string `json:"busy_message,omitempty"`
}

// StartServerSave runs a full server-side download for a regular video.
// Only one save runs at a time; an existing saved file short-circuits.
func (w *MediaWorkflow) StartServerSave(ctx context.Context, url string) (*ServerSaveOutcome, error) {
	srcURL := strings.TrimSpace(url)
	if srcURL == "" {
		return nil, errors.New("url is required")
	}
	videoID := utils.SafeVideoID(utils.ExtractYouTubeID(srcURL))

	publicURL := ""
	if videoID != "" {
		if idx, err := w.archive.LoadIndex(ctx); err == nil {
			publicURL = strings.TrimSpace(idx[videoID].GetString(types.RecPublicURL))
		}
	}
	title := w.resolveDirectTitle(ctx, srcURL, videoID, "")
	if publicURL != "" {
		return &ServerSaveOutcome{
			VideoID:   videoID,
			Title:     title,
			URL:       srcURL,
			PublicURL: publicURL,
			Status:    "already_saved",
		}, nil
	}

	w.saveMu.Lock()
	if w.activeSave != nil && w.activeSave["status"] == "running" {
		active := w.activeSave
		w.saveMu.Unlock()
		return &ServerSaveOutcome{
			SaveJobID:   strings.TrimSpace(strings.Trim(asString(active["save_job_id"]), " ")),
			VideoID:     asString(active["video_id"]),
			Title:       asString(active["title"]),
			URL:         asString(active["url"]),
			Status:      "busy",
			Busy:        true,
			BusyMessage: "Another save is already running. Please wait until it finishes.",
		}, nil
	}
	saveJobID := strings.ReplaceAll(uuid.New().String(), "-", "")
	w.activeSave = map[string]any{
		"save_job_id": saveJobID,
		"video_id":    videoID,
		"title":       title,
		"url":         srcURL,
		"status":      "running",
		"started_at":  utils.UTCNowISO(),
	}
	w.saveMu.Unlock()

	go func() {
		defer func() {
			w.saveMu.Lock()
			if w.activeSave != nil && asString(w.activeSave["save_job_id"]) == saveJobID {
				w.activeSave = nil
			}
			w.saveMu.Unlock()
		}()
		reporter := services.StatusReporterFunc(func(text string) {
			w.log.Debug("Server save progress", "video_id", videoID, "line", utils.TruncateString(text, 200))
		})
		if err := w.live.RunDownloadFlow(context.Background(), srcURL, reporter, 0); err != nil {
			w.log.Warn("Server save failed", "url", srcURL, "error", err)
		}
	}()

	return &ServerSaveOutcome{
		SaveJobID: saveJobID,
		VideoID:   videoID,
		Title:     title,
		URL:       srcURL,
		Status:    "started",
	}, nil
}

func (w *MediaWorkflow) ActiveServerSave() map[string]any {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()
	if w.activeSave == nil {
		return nil
	}
	out := map[string]any{}
	for k, v := range w.activeSave {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

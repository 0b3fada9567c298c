package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// StatusReporter receives the user-facing progress line for a recording.
// The chat surface edits a message; the web surface classifies the text.
type StatusReporter interface {
	Update(text string)
}

type StatusReporterFunc func(text string)

func (f StatusReporterFunc) Update(text string) { f(text) }

type StopResult struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

// LiveSupervisor runs the per-video recording state machine:
// probing → (upcoming wait) → recording → saved|partial|stopped|failed.
type LiveSupervisor interface {
	RunDownloadFlow(ctx context.Context, url string, reporter StatusReporter, startedByChatID int64) error
	StopLive(videoID string) StopResult
}

type liveSupervisor struct {
	log        *logger.Logger
	state      *state.RuntimeState
	media      MediaSourceService
	archive    repos.ArchiveRepo
	transcript TranscriptService
	analysis   AnalysisService
	replay     ReplayService

	tz *time.Location
}

func NewLiveSupervisor(
	log *logger.Logger,
	runtime *state.RuntimeState,
	media MediaSourceService,
	archive repos.ArchiveRepo,
	transcript TranscriptService,
	analysis AnalysisService,
	replay ReplayService,
) LiveSupervisor {
	tzName := utils.GetEnv("LOCAL_TZ_NAME", "America/New_York", nil)
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		tz = time.UTC
	}
	return &liveSupervisor{
		log:        log.With("service", "LiveSupervisor"),
		state:      runtime,
		media:      media,
		archive:    archive,
		transcript: transcript,
		analysis:   analysis,
		replay:     replay,
		tz:         tz,
	}
}

func (s *liveSupervisor) StopLive(videoID string) StopResult {
	vid := utils.SafeVideoID(videoID)
	if vid == "" {
		return StopResult{Status: "invalid_video_id"}
	}
	active, ok := s.state.GetActiveLive(vid)
	if !ok {
		return StopResult{VideoID: vid, Status: "already_finished"}
	}
	s.state.RequestLiveStop(vid)
	return StopResult{VideoID: vid, Title: active.Title, Status: "stop_requested"}
}

func (s *liveSupervisor) resolveLiveStartedUTC(info *ProbeInfo) time.Time {
	if info.LiveStartTimestamp > 0 {
		return time.Unix(info.LiveStartTimestamp, 0).UTC()
	}
	if picked := info.PickLiveStart(); picked != nil {
		return *picked
	}
	return time.Now().UTC()
}

// waitForUpcomingToStart polls the probe until the stream goes live or the
// wall-clock deadline hits, reporting remaining time at most every 10s.
func (s *liveSupervisor) waitForUpcomingToStart(ctx context.Context, url, title string, reporter StatusReporter) (*ProbeInfo, error) {
	waitSec := utils.GetEnvAsInt("UPCOMING_WAIT_SEC", 3600, nil)
	pollSec := utils.GetEnvAsInt("UPCOMING_POLL_SEC", 15, nil)
	if pollSec < 1 {
		pollSec = 1
	}
	deadline := time.Now().Add(time.Duration(waitSec) * time.Second)
	var lastEdit time.Time

	for time.Now().Before(deadline) || time.Now().Equal(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info, err := s.media.Probe(ctx, url)
		if err == nil {
			if !info.IsUpcoming() {
				return info, nil
			}
			if time.Since(lastEdit) >= 10*time.Second {
				lastEdit = time.Now()
				schedTxt := ""
				if sched := info.PickLiveStart(); sched != nil {
					schedTxt = "\n🗓 Scheduled (local): " + sched.In(s.tz).Format("2006-01-02 03:04 PM")
				}
				remaining := int(time.Until(deadline).Seconds())
				if remaining < 0 {
					remaining = 0
				}
				reporter.Update(fmt.Sprintf(
					"⏳ LIVE is planned (upcoming). Waiting for it to start...\n🎬 %s%s\n⏱ Max wait: %d min | Remaining: %d min",
					title, schedTxt, waitSec/60, remaining/60,
				))
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(pollSec) * time.Second):
		}
	}
	return nil, nil
}

// mutateRecord does the read-modify-write cycle on one archive record
// under the runtime state lock.
func (s *liveSupervisor) mutateRecord(ctx context.Context, videoID string, mutate func(rec types.ArchiveRecord) types.ArchiveRecord) {
	s.state.WithStateLock(func() {
		idx, err := s.archive.LoadIndex(ctx)
		if err != nil {
			s.log.Error("Load index failed", "video_id", videoID, "error", err)
			return
		}
		rec := idx[videoID]
		if rec == nil {
			rec = types.ArchiveRecord{}
		}
		idx[videoID] = mutate(rec)
		if err := s.archive.SaveIndex(ctx, idx); err != nil {
			s.log.Error("Save index failed", "video_id", videoID, "error", err)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (s *liveSupervisor) RunDownloadFlow(ctx context.Context, url string, reporter StatusReporter, startedByChatID int64) error {
	retentionDays := utils.GetEnvAsInt("RETENTION_DAYS", 60, nil)
	splitHour := utils.GetEnvAsInt("SESSION_SPLIT_HOUR", 17, nil)
	liveFromStart := utils.GetEnvAsBool("LIVE_FROM_START", true, nil)
	replayEnabled := utils.GetEnvAsBool("ENABLE_FULL_REPLAY_RETRY", false, nil)
	autoNotes := utils.GetEnvAsBool("AUTO_VIDEO_NOTES_FOR_LIVE", true, nil)
	progressEditEvery := 3 * time.Second

	info, err := s.media.Probe(ctx, url)
	if err != nil {
		emsg := utils.StripANSI(err.Error())
		low := strings.ToLower(emsg)

		if strings.Contains(low, "will begin in a few moments") {
			waitTitle := utils.ExtractYouTubeID(url)
			if waitTitle == "" {
				waitTitle = "Live"
			}
			waited, waitErr := s.waitForUpcomingToStart(ctx, url, waitTitle, reporter)
			if waitErr != nil {
				return waitErr
			}
			if waited == nil {
				waitSec := utils.GetEnvAsInt("UPCOMING_WAIT_SEC", 3600, nil)
				reporter.Update(fmt.Sprintf("⌛️ Timed out. LIVE did not start within %d minutes.\n🎬 %s", waitSec/60, waitTitle))
				return nil
			}
			info = waited
		} else {
			switch {
			case utils.LooksLikeVPSBlock(low):
				reporter.Update("⚠️ YouTube blocked the server request (anti-bot check).\nFix: refresh cookies and usually use a residential proxy/VPN for the server.")
			case strings.Contains(low, "no video formats found"):
				reporter.Update("⚠️ YouTube did not provide formats to this server.\nFix: route the downloader through a residential proxy/VPN and try again.")
			case utils.LooksLikePrivateUnavailable(low):
				reporter.Update("🔒 This video is private.\nThe server needs valid YouTube cookies from an account that can access it.")
			default:
				reporter.Update("❌ Could not read video info:\n" + utils.TruncateString(emsg, 1200))
			}
			return nil
		}
	}

	videoID := info.ID
	if videoID == "" {
		videoID = utils.ExtractYouTubeID(url)
	}
	if videoID == "" {
		videoID = "unknown"
	}
	title := info.Title
	if title == "" {
		title = videoID
	}
	channel := info.Channel
	if channel == "" {
		channel = "Unknown"
	}
	s.state.ClearLiveStopRequest(videoID)

	if info.IsUpcoming() {
		waited, waitErr := s.waitForUpcomingToStart(ctx, url, title, reporter)
		if waitErr != nil {
			return waitErr
		}
		if waited == nil {
			waitSec := utils.GetEnvAsInt("UPCOMING_WAIT_SEC", 3600, nil)
			reporter.Update(fmt.Sprintf("⌛️ Timed out. LIVE did not start within %d minutes.\n🎬 %s", waitSec/60, title))
			return nil
		}
		info = waited
	}

	live := info.IsLiveLike() || utils.LooksLikeLiveURL(url)
	activeNow := info.LiveStatus == "is_live" || info.LiveStatus == "live" || info.LiveStatus == "is_upcoming" || info.IsLive
	archivedLiveMode := live && utils.LooksLikeLiveURL(url) && !activeNow

	outputTemplate := filepath.Join(s.media.StorageDir(),
		fmt.Sprintf("%s [%s].%%(ext)s", utils.SanitizeFilename(title), videoID))

	var startUTC time.Time
	var startLocal time.Time
	dateKey := ""
	serviceKey := ""
	serviceLabel := ""

	if live {
		startUTC = s.resolveLiveStartedUTC(info)
		startLocal = startUTC.In(s.tz)
		dateKey = utils.DateKey(startLocal)
		serviceKey, serviceLabel = utils.ClassifyServiceByStart(startLocal, splitHour)

		baseRecord := func() types.ArchiveRecord {
			return types.ArchiveRecord{
				types.RecTitle:          title,
				types.RecChannel:        channel,
				types.RecSourceURL:      url,
				types.RecStartedUTC:     startUTC.Format(time.RFC3339),
				types.RecStartedLocal:   startLocal.Format(time.RFC3339),
				types.RecDateKey:        dateKey,
				types.RecServiceKey:     serviceKey,
				types.RecServiceLabel:   serviceLabel,
				types.RecFilename:       "",
				types.RecPublicURL:      "",
				types.RecStatus:         types.StatusRecording,
				types.RecCreatedAtLocal: utils.NowLocalStr(s.tz),
			}
		}

		if archivedLiveMode {
			reporter.Update(fmt.Sprintf(
				"📼 Saving archived LIVE...\n🎬 %s\n⏱ Live started (local): %s\n📂 Session: %s",
				title, startLocal.Format("03:04 PM"), serviceLabel,
			))
			s.mutateRecord(ctx, videoID, func(types.ArchiveRecord) types.ArchiveRecord {
				return baseRecord()
			})
		} else {
			// Single-flight gate: one downloader per video id.
			active := &state.ActiveLive{
				VideoID:         videoID,
				URL:             url,
				Title:           title,
				StartedLocal:    startLocal,
				ServiceKey:      serviceKey,
				ServiceLabel:    serviceLabel,
				DateKey:         dateKey,
				StartedByChatID: startedByChatID,
				StartedAt:       time.Now(),
			}
			if !s.state.TryPutActiveLive(active) {
				existing, _ := s.state.GetActiveLive(videoID)
				mins := 0
				existingTitle := title
				if existing != nil {
					mins = int(time.Since(existing.StartedAt).Minutes())
					existingTitle = existing.Title
				}
				reporter.Update(fmt.Sprintf(
					"🔴 This LIVE is already being recorded.\n🎬 %s\n⏱ Started ~%d min ago.\nI will not start a second recording.",
					existingTitle, mins,
				))
				return nil
			}
			s.mutateRecord(ctx, videoID, func(types.ArchiveRecord) types.ArchiveRecord {
				return baseRecord()
			})

			dvrLine := ""
			if liveFromStart {
				dvrLine = "🧲 Trying from start (DVR)...\n"
			}
			reporter.Update(fmt.Sprintf(
				"🔴 LIVE recording started!\n🎬 %s\n⏱ Live started (local): %s\n📂 Session: %s\n\n%sI will keep recording until the stream ends.",
				title, startLocal.Format("03:04 PM"), serviceLabel, dvrLine,
			))
		}
	} else {
		reporter.Update("⏳ Starting download...\n🎬 " + title)
	}

	var lastEdit time.Time
	onProgress := func(update ProgressUpdate) {
		if time.Since(lastEdit) < progressEditEvery {
			return
		}
		lastEdit = time.Now()
		switch update.Kind {
		case "percent":
			reporter.Update(fmt.Sprintf("⬇️ Downloading: %.1f%%\n⚡ %s\n⏱ ETA: %s\n🎬 %s",
				update.Percent, update.Speed, update.ETA, title))
		default:
			prefix := "🔴 Recording LIVE..."
			if archivedLiveMode {
				prefix = "📼 Saving archived LIVE..."
			}
			if !live {
				prefix = "⬇️ Downloading..."
			}
			reporter.Update(fmt.Sprintf("%s\n🎬 %s\n\n%s", prefix, title, utils.TruncateString(update.Raw, 600)))
		}
	}

	var extraArgs []string
	if live && liveFromStart {
		extraArgs = append(extraArgs, "--live-from-start")
	}
	var shouldStop func() bool
	if live {
		shouldStop = func() bool { return s.state.IsLiveStopRequested(videoID) }
	}

	finalPath, dlErr := s.media.DownloadWithProgress(ctx, DownloadRequest{
		URL:            url,
		VideoID:        videoID,
		OutputTemplate: outputTemplate,
		IsLive:         live,
		ExtraArgs:      extraArgs,
		OnProgress:     onProgress,
		ShouldStop:     shouldStop,
	})

	if dlErr != nil {
		reason := utils.StripANSI(dlErr.Error())

		if live && errors.Is(dlErr, ErrLiveStopRequested) {
			link, savedName := s.savePartialCopy(videoID, title)
			s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
				rec[types.RecStatus] = types.StatusStopped
				if savedName != "" {
					rec[types.RecFilename] = savedName
				}
				if link != "" {
					rec[types.RecPublicURL] = link
				}
				if rec.GetString(types.RecTitle) == "" {
					rec[types.RecTitle] = title
				}
				return rec
			})
			s.state.RemoveActiveLive(videoID)
			s.state.ClearLiveStopRequest(videoID)

			savedLine := ""
			if link != "" {
				savedLine = "🔗 Saved part: " + link + "\n"
			}
			reporter.Update(fmt.Sprintf("🛑 LIVE recording stopped by user.\n%s🗑 Auto-delete after %d days.", savedLine, retentionDays))
			return nil
		}

		if live && (errors.Is(dlErr, ErrLiveStuckTimeout) || errors.Is(dlErr, ErrLiveBecamePrivate)) {
			link, savedName := s.savePartialCopy(videoID, title)
			notesLocalPath := ""
			if savedName != "" {
				notesLocalPath = filepath.Join(s.media.StorageDir(), savedName)
			}
			s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
				rec[types.RecStartedUTC] = startUTC.Format(time.RFC3339)
				rec[types.RecStartedLocal] = startLocal.Format(time.RFC3339)
				rec[types.RecDateKey] = dateKey
				rec[types.RecServiceKey] = serviceKey
				rec[types.RecServiceLabel] = serviceLabel
				rec[types.RecStatus] = types.StatusPartial
				if savedName != "" {
					rec[types.RecFilename] = savedName
				}
				if link != "" {
					rec[types.RecPublicURL] = link
				}
				if rec.GetString(types.RecTitle) == "" {
					rec[types.RecTitle] = title
				}
				return rec
			})
			s.state.RemoveActiveLive(videoID)

			headline := "⚠️ LIVE ended/locked (became private or got stuck).\n"
			if archivedLiveMode {
				headline = "⚠️ Archived LIVE was incomplete/locked.\n"
			}
			linkLine := "✅ Partial saved on server."
			if link != "" {
				linkLine = "🔗 " + link
			}
			followup := "\n\nℹ️ Full replay follow-up is disabled to avoid merge/corruption issues."
			if replayEnabled && !archivedLiveMode {
				followup = "\n\n🕵️ I will keep trying to download the FULL replay separately."
			}
			reporter.Update(fmt.Sprintf("%sI saved the part that was recorded.\n%s\n🗑 Auto-delete after %d days.%s",
				headline, linkLine, retentionDays, followup))

			if replayEnabled && !archivedLiveMode {
				s.replay.ScheduleFullReplayAttempt(ReplayRequest{
					URL:             url,
					VideoID:         videoID,
					Title:           title,
					StartedByChatID: startedByChatID,
					DateKey:         dateKey,
					ServiceLabel:    serviceLabel,
				})
			}
			if autoNotes {
				go s.buildNotesAfterLive(videoID, url, title, notesLocalPath)
			}
			return nil
		}

		low := strings.ToLower(reason)
		if live {
			s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
				rec[types.RecStatus] = types.StatusFailed
				return rec
			})
			s.state.RemoveActiveLive(videoID)
		}
		switch {
		case utils.LooksLikeVPSBlock(low) || strings.Contains(low, "no video formats found"):
			reporter.Update("❌ Download failed due to YouTube blocking this server.\nFix: use a residential proxy/VPN for the downloader on the server.")
		case utils.LooksLikePrivateUnavailable(low):
			reporter.Update("🔒 This video is private.\nThe server needs valid cookies from an account that can access it.")
		default:
			reporter.Update("❌ Download failed:\n" + utils.TruncateString(reason, 1200))
		}
		return nil
	}

	if finalPath == "" {
		finalPath = s.media.AnyExistingFileForVideo(videoID)
	}
	if finalPath == "" {
		if live {
			s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
				rec[types.RecStatus] = types.StatusPartial
				return rec
			})
			s.state.RemoveActiveLive(videoID)
		}
		reporter.Update("✅ Finished, but I could not detect the output filename.")
		return nil
	}

	filename := filepath.Base(finalPath)
	publicName := s.media.EnsurePublicFilename(videoID, filename)
	link := s.media.BuildPublicURL(publicName)

	if live {
		s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
			rec[types.RecTitle] = title
			rec[types.RecChannel] = channel
			rec[types.RecSourceURL] = url
			rec[types.RecStartedUTC] = startUTC.Format(time.RFC3339)
			rec[types.RecStartedLocal] = startLocal.Format(time.RFC3339)
			rec[types.RecDateKey] = dateKey
			rec[types.RecServiceKey] = serviceKey
			rec[types.RecServiceLabel] = serviceLabel
			rec[types.RecFilename] = filename
			rec[types.RecPublicURL] = link
			rec[types.RecStatus] = types.StatusSaved
			return rec
		})
		s.state.RemoveActiveLive(videoID)

		statusLine := "✅ LIVE part saved!"
		if archivedLiveMode {
			statusLine = "✅ Archived LIVE saved!"
		}
		followup := ""
		if !archivedLiveMode {
			if replayEnabled {
				followup = "\n\n🕵️ Now I will keep trying to save the FULL replay separately (no merge)."
			} else {
				followup = "\n\nℹ️ Full replay follow-up is disabled to keep the saved part untouched."
			}
		}
		reporter.Update(fmt.Sprintf("%s\n🎬 %s\n📅 %s - %s\n🔗 %s\n🗑 Auto-delete after %d days.%s",
			statusLine, title, dateKey, serviceLabel, link, retentionDays, followup))

		if replayEnabled && !archivedLiveMode {
			s.replay.ScheduleFullReplayAttempt(ReplayRequest{
				URL:             url,
				VideoID:         videoID,
				Title:           title,
				StartedByChatID: startedByChatID,
				DateKey:         dateKey,
				ServiceLabel:    serviceLabel,
			})
		}
		if autoNotes {
			go s.buildNotesAfterLive(videoID, url, title, finalPath)
		}
		return nil
	}

	reporter.Update("✅ Done!\n📥 Download link:\n" + link)
	return nil
}

// savePartialCopy copies the newest .part file to the "(partial).mp4" name
// and returns the public link and the saved name, both best-effort.
func (s *liveSupervisor) savePartialCopy(videoID, title string) (string, string) {
	partFile := s.media.NewestPartForVideo(videoID)
	if partFile == "" {
		return "", ""
	}
	if _, err := os.Stat(partFile); err != nil {
		return "", ""
	}
	partialName := utils.MakeSavedPartialFilename(title, videoID)
	partialPath := filepath.Join(s.media.StorageDir(), partialName)
	if err := copyFile(partFile, partialPath); err != nil {
		s.log.Warn("Partial copy failed", "video_id", videoID, "error", err)
		return "", ""
	}
	publicName := s.media.EnsurePublicFilename(videoID, partialName)
	return s.media.BuildPublicURL(publicName), partialName
}

// buildNotesAfterLive builds the transcript (and cached-TTL analysis) for a
// finished live and folds the results into the archive record.
func (s *liveSupervisor) buildNotesAfterLive(videoID, url, title, localVideoPath string) {
	ctx := context.Background()
	result, err := s.transcript.BuildTranscript(ctx, TranscriptRequest{
		VideoID:        videoID,
		URL:            url,
		TitleHint:      title,
		LocalVideoPath: localVideoPath,
	})
	if err != nil {
		s.log.Warn("Post-live transcript build failed", "video_id", videoID, "error", err)
		return
	}

	transcriptText, err := s.transcript.ReadTranscript(result.TranscriptPath)
	if err != nil {
		return
	}

	analysisText := ""
	analysisLang := ""
	if utils.GetEnvAsBool("VIDEO_AUTO_ANALYZE_ON_SAVE", true, nil) {
		langCode, _ := s.analysis.OutputLanguageForText(transcriptText)
		analysisLang = langCode
		ttl := s.analysis.TTLSeconds()

		idx, err := s.archive.LoadIndex(ctx)
		if err == nil {
			if cached, _ := s.analysis.CachedAnalysis(idx[videoID], ttl, langCode); cached != "" {
				analysisText = cached
			}
		}
		if analysisText == "" {
			out, err := s.analysis.AnalyzeTranscript(ctx, result.Title, transcriptText, nil, nil)
			if err == nil {
				analysisText = out
			}
		}
	}

	s.mutateRecord(ctx, videoID, func(rec types.ArchiveRecord) types.ArchiveRecord {
		rec[types.RecNotesUpdatedAtLocal] = utils.NowLocalStr(s.tz)
		rec[types.RecTranscriptPath] = result.TranscriptPath
		rec[types.RecTranscriptChars] = len(transcriptText)
		rec[types.RecTranscriptSource] = result.Source
		if result.CaptionPath != "" {
			rec[types.RecCaptionPath] = result.CaptionPath
		}
		if analysisText != "" {
			rec[types.RecAnalysis] = analysisText
			rec[types.RecAnalysisLang] = analysisLang
			if rec.GetFloat(types.RecAnalysisSavedAtEpoch) <= 0 {
				rec[types.RecAnalysisSavedAtEpoch] = time.Now().Unix()
			}
		}
		return rec
	})
}

package services

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

type ReplayRequest struct {
	URL             string
	VideoID         string
	Title           string
	StartedByChatID int64
	DateKey         string
	ServiceLabel    string
}

// ReplayService retries a plain VOD download of a live that ended partial
// or private. One background task per video id; the replay file is stored
// next to the partial, never merged with it.
type ReplayService interface {
	ScheduleFullReplayAttempt(req ReplayRequest)
}

type replayService struct {
	log     *logger.Logger
	state   *state.RuntimeState
	media   MediaSourceService
	archive repos.ArchiveRepo

	tz *time.Location
}

func NewReplayService(log *logger.Logger, runtime *state.RuntimeState, media MediaSourceService, archive repos.ArchiveRepo) ReplayService {
	tzName := utils.GetEnv("LOCAL_TZ_NAME", "America/New_York", nil)
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		tz = time.UTC
	}
	return &replayService{
		log:     log.With("service", "ReplayService"),
		state:   runtime,
		media:   media,
		archive: archive,
		tz:      tz,
	}
}

func (s *replayService) ScheduleFullReplayAttempt(req ReplayRequest) {
	if !s.state.TryAddReplayTask(req.VideoID) {
		return
	}
	go func() {
		defer s.state.RemoveReplayTask(req.VideoID)
		s.tryDownloadFullReplay(req)
	}()
}

func (s *replayService) tryDownloadFullReplay(req ReplayRequest) {
	ctx := context.Background()
	intervalSec := utils.GetEnvAsInt("FULL_REPLAY_RETRY_INTERVAL_SEC", 60, nil)
	retryMinutes := utils.GetEnvAsInt("FULL_REPLAY_RETRY_MINUTES", 360, nil)
	interval := time.Duration(intervalSec) * time.Second

	log := s.log.With("video_id", req.VideoID)

	time.Sleep(10 * time.Second)
	deadline := time.Now().Add(time.Duration(retryMinutes) * time.Minute)
	lastPrivate := false

	for time.Now().Before(deadline) || time.Now().Equal(deadline) {
		info, err := s.media.Probe(ctx, req.URL)
		if err != nil {
			low := strings.ToLower(utils.StripANSI(err.Error()))
			if utils.LooksLikePrivateUnavailable(low) || (strings.Contains(low, "private") && strings.Contains(low, "unavailable")) {
				lastPrivate = true
				time.Sleep(interval)
				continue
			}
			if utils.LooksLikeVPSBlock(low) || strings.Contains(low, "no video formats found") {
				log.Warn("Full replay blocked by YouTube anti-bot; keeping the recorded part")
				return
			}
			time.Sleep(interval)
			continue
		}

		// Still live: the replay is not published yet.
		if info.IsLiveLike() {
			time.Sleep(interval)
			continue
		}

		fullName := utils.MakeSavedFullFilename(req.Title, req.VideoID)
		fullOutTemplate := strings.Replace(filepath.Join(s.media.StorageDir(), fullName), ".mp4", ".%(ext)s", 1)

		finalPath, err := s.media.DownloadWithProgress(ctx, DownloadRequest{
			URL:            req.URL,
			VideoID:        req.VideoID,
			OutputTemplate: fullOutTemplate,
			IsLive:         false,
		})
		if err != nil {
			low := strings.ToLower(utils.StripANSI(err.Error()))
			if utils.LooksLikePrivateUnavailable(low) || strings.Contains(low, "private") {
				lastPrivate = true
				time.Sleep(interval)
				continue
			}
			if utils.LooksLikeVPSBlock(low) || strings.Contains(low, "no video formats found") {
				log.Warn("Full replay blocked by YouTube anti-bot; keeping the recorded part")
				return
			}
			time.Sleep(interval)
			continue
		}

		if finalPath == "" {
			finalPath = s.media.AnyExistingFileForVideo(req.VideoID)
		}
		if finalPath == "" {
			time.Sleep(interval)
			continue
		}

		filename := filepath.Base(finalPath)
		publicName := s.media.EnsurePublicFilename(req.VideoID, filename)
		link := s.media.BuildPublicURL(publicName)

		s.state.WithStateLock(func() {
			idx, err := s.archive.LoadIndex(ctx)
			if err != nil {
				log.Error("Load index failed during replay save", "error", err)
				return
			}
			rec := idx[req.VideoID]
			if rec == nil {
				rec = types.ArchiveRecord{}
			}
			if req.DateKey != "" && rec.GetString(types.RecDateKey) == "" {
				rec[types.RecDateKey] = req.DateKey
			}
			if req.ServiceLabel != "" && rec.GetString(types.RecServiceLabel) == "" {
				rec[types.RecServiceLabel] = req.ServiceLabel
			}
			rec[types.RecFullFilename] = filename
			rec[types.RecFullPublicURL] = link
			rec[types.RecUpdatedAtLocal] = utils.NowLocalStr(s.tz)
			rec[types.RecFullSavedVariant] = "full"
			status := rec.GetString(types.RecStatus)
			if status == "" || status == types.StatusFailed {
				rec[types.RecStatus] = types.StatusSaved
			}
			if rec.GetString(types.RecTitle) == "" {
				rec[types.RecTitle] = req.Title
			}
			idx[req.VideoID] = rec
			if err := s.archive.SaveIndex(ctx, idx); err != nil {
				log.Error("Save index failed during replay save", "error", err)
			}
		})

		log.Info("Full replay saved separately", "filename", filename, "public_url", link)
		return
	}

	if lastPrivate {
		log.Info("Full replay still private/unavailable after retry window; kept the recorded part", "minutes", retryMinutes)
	} else {
		log.Info("Could not get full replay within retry window; kept the recorded part", "minutes", retryMinutes)
	}
}

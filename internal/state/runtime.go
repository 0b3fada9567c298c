package state

import (
	"strings"
	"sync"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
)

// ActiveLive is the runtime entry for a recording in flight. It never hits
// the database; the archive record carries the durable view.
type ActiveLive struct {
	VideoID         string
	URL             string
	Title           string
	StartedLocal    time.Time
	ServiceKey      string
	ServiceLabel    string
	DateKey         string
	StartedByChatID int64
	StartedAt       time.Time
}

// RuntimeState holds the process-wide live bookkeeping. Stop bits get their
// own mutex because the downloader polls them at sub-second granularity
// while the state mutex can be held across index writes.
type RuntimeState struct {
	log *logger.Logger

	mu          sync.Mutex
	activeLives map[string]*ActiveLive

	stopMu       sync.Mutex
	stopRequests map[string]bool

	replayMu    sync.Mutex
	replayTasks map[string]bool
}

func NewRuntimeState(log *logger.Logger) *RuntimeState {
	return &RuntimeState{
		log:          log.With("component", "RuntimeState"),
		activeLives:  make(map[string]*ActiveLive),
		stopRequests: make(map[string]bool),
		replayTasks:  make(map[string]bool),
	}
}

// TryPutActiveLive registers a live recording, failing if one is already
// active for the video id. This is the single-flight gate for recordings.
func (s *RuntimeState) TryPutActiveLive(live *ActiveLive) bool {
	if live == nil || strings.TrimSpace(live.VideoID) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.activeLives[live.VideoID]; exists {
		return false
	}
	s.activeLives[live.VideoID] = live
	return true
}

func (s *RuntimeState) GetActiveLive(videoID string) (*ActiveLive, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.activeLives[videoID]
	if !ok {
		return nil, false
	}
	copied := *live
	return &copied, true
}

func (s *RuntimeState) RemoveActiveLive(videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeLives, videoID)
}

func (s *RuntimeState) ActiveLives() []*ActiveLive {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ActiveLive, 0, len(s.activeLives))
	for _, live := range s.activeLives {
		copied := *live
		out = append(out, &copied)
	}
	return out
}

// WithStateLock runs fn under the state mutex. The live supervisor uses it
// to serialize terminal status writes with the ActiveLives cleanup.
func (s *RuntimeState) WithStateLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *RuntimeState) RequestLiveStop(videoID string) bool {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return false
	}
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.stopRequests[vid] = true
	return true
}

func (s *RuntimeState) ClearLiveStopRequest(videoID string) {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return
	}
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	delete(s.stopRequests, vid)
}

func (s *RuntimeState) IsLiveStopRequested(videoID string) bool {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return false
	}
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopRequests[vid]
}

// TryAddReplayTask registers the background full-replay attempt for a video
// id. Returns false when one is already scheduled.
func (s *RuntimeState) TryAddReplayTask(videoID string) bool {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if s.replayTasks[vid] {
		return false
	}
	s.replayTasks[vid] = true
	return true
}

func (s *RuntimeState) RemoveReplayTask(videoID string) {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	delete(s.replayTasks, vid)
}

func (s *RuntimeState) HasReplayTask(videoID string) bool {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	return s.replayTasks[strings.TrimSpace(videoID)]
}

package jobs

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/utils"
	"github.com/hubrts/youtube-command-deck/internal/ws"
)

// Snapshot bounds for brew jobs.
const (
	brewCandidateLimit = 24
	brewReviewedKeep   = 60
	brewReviewedShow   = 36
	brewQueryStatLimit = 20
)

// BrewJob is a knowledge juice run exposed as an observable job. Mutations
// happen under the registry lock; readers only ever see snapshots.
type BrewJob struct {
	JobID          string
	Topic          string
	Status         string
	Stage          string
	PrivateRun     bool
	IsPublic       bool
	CreatedAt      string
	UpdatedAt      string
	RunID          string
	LastEventType  string
	ProgressDetail string
	LLMBackend     string
	Progress       services.StepProgress
	Config         map[string]any
	Queries        []string

	TotalCandidates int
	TotalVideos     int
	CurrentIndex    int
	CurrentVideo    *services.VideoPreview
	CandidateVideos []services.VideoPreview
	ReviewedVideos  []services.VideoPreview
	SearchStats     *services.SearchStats
	QueryStats      []services.QueryStats

	ReportText string
	Error      string
}

// BrewJobSnapshot is the serializable projection broadcast to subscribers.
type BrewJobSnapshot struct {
	JobID           string                   `json:"job_id"`
	Topic           string                   `json:"topic"`
	Status          string                   `json:"status"`
	Stage           string                   `json:"stage"`
	PrivateRun      bool                     `json:"private_run"`
	IsPublic        bool                     `json:"is_public"`
	CreatedAt       string                   `json:"created_at"`
	UpdatedAt       string                   `json:"updated_at"`
	RunID           string                   `json:"run_id"`
	LastEventType   string                   `json:"last_event_type"`
	ProgressDetail  string                   `json:"progress_detail"`
	LLMBackend      string                   `json:"llm_backend"`
	Progress        services.StepProgress    `json:"progress"`
	Config          map[string]any           `json:"config"`
	Queries         []string                 `json:"queries"`
	TotalCandidates int                      `json:"total_candidates"`
	TotalVideos     int                      `json:"total_videos"`
	CurrentIndex    int                      `json:"current_index"`
	CurrentVideo    *services.VideoPreview   `json:"current_video"`
	CandidateVideos []services.VideoPreview  `json:"candidate_videos"`
	ReviewedVideos  []services.VideoPreview  `json:"reviewed_videos"`
	SearchStats     *services.SearchStats    `json:"search_stats"`
	QueryStats      []services.QueryStats    `json:"query_stats"`
	ReportText      string                   `json:"report_text"`
	Error           string                   `json:"error"`
}

func (j *BrewJob) snapshot() BrewJobSnapshot {
	snap := BrewJobSnapshot{
		JobID:           j.JobID,
		Topic:           j.Topic,
		Status:          j.Status,
		Stage:           j.Stage,
		PrivateRun:      j.PrivateRun,
		IsPublic:        j.IsPublic,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		RunID:           j.RunID,
		LastEventType:   j.LastEventType,
		ProgressDetail:  j.ProgressDetail,
		LLMBackend:      j.LLMBackend,
		Progress:        j.Progress,
		Config:          j.Config,
		Queries:         append([]string{}, j.Queries...),
		TotalCandidates: j.TotalCandidates,
		TotalVideos:     j.TotalVideos,
		CurrentIndex:    j.CurrentIndex,
		CurrentVideo:    j.CurrentVideo,
		SearchStats:     j.SearchStats,
		ReportText:      j.ReportText,
		Error:           j.Error,
	}
	snap.CandidateVideos = clipPreviews(j.CandidateVideos, brewCandidateLimit)
	reviewed := j.ReviewedVideos
	if len(reviewed) > brewReviewedShow {
		reviewed = reviewed[len(reviewed)-brewReviewedShow:]
	}
	snap.ReviewedVideos = append([]services.VideoPreview{}, reviewed...)
	if len(j.QueryStats) > brewQueryStatLimit {
		snap.QueryStats = append([]services.QueryStats{}, j.QueryStats[:brewQueryStatLimit]...)
	} else {
		snap.QueryStats = append([]services.QueryStats{}, j.QueryStats...)
	}
	if snap.Config == nil {
		snap.Config = map[string]any{}
	}
	if snap.Queries == nil {
		snap.Queries = []string{}
	}
	if snap.CandidateVideos == nil {
		snap.CandidateVideos = []services.VideoPreview{}
	}
	if snap.ReviewedVideos == nil {
		snap.ReviewedVideos = []services.VideoPreview{}
	}
	return snap
}

func clipPreviews(items []services.VideoPreview, limit int) []services.VideoPreview {
	if len(items) <= limit {
		return append([]services.VideoPreview{}, items...)
	}
	return append([]services.VideoPreview{}, items[:limit]...)
}

// BrewConfig is the normalized knowledge-juice job configuration.
type BrewConfig struct {
	MaxVideos               int  `json:"max_videos"`
	MaxQueries              int  `json:"max_queries"`
	PerQuery                int  `json:"per_query"`
	MinDurationSec          int  `json:"min_duration_sec"`
	MaxDurationSec          int  `json:"max_duration_sec"`
	NoCaptionMaxDurationSec int  `json:"no_caption_max_duration_sec"`
	CaptionsOnly            bool `json:"captions_only"`
}

// NormalizeBrewConfig clamps raw client config into safe bounds.
func NormalizeBrewConfig(raw map[string]any) BrewConfig {
	toInt := func(name string, def, minV, maxV int) int {
		v := def
		if raw != nil {
			switch t := raw[name].(type) {
			case float64:
				v = int(t)
			case int:
				v = t
			case string:
				if p, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
					v = p
				}
			}
		}
		if v < minV {
			v = minV
		}
		if v > maxV {
			v = maxV
		}
		return v
	}
	toBool := func(name string, def bool) bool {
		if raw == nil {
			return def
		}
		switch t := raw[name].(type) {
		case bool:
			return t
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		}
		return def
	}

	maxDurationSec := toInt("max_duration_sec", 0, 0, 6*3600)
	noCaptionMax := 10 * 60
	if maxDurationSec > 0 && maxDurationSec < noCaptionMax {
		noCaptionMax = maxDurationSec
	}
	return BrewConfig{
		MaxVideos:               toInt("max_videos", 6, 2, 40),
		MaxQueries:              toInt("max_queries", 8, 3, 30),
		PerQuery:                toInt("per_query", 8, 3, 30),
		MinDurationSec:          toInt("min_duration_sec", 0, 0, 6*3600),
		MaxDurationSec:          maxDurationSec,
		NoCaptionMaxDurationSec: noCaptionMax,
		CaptionsOnly:            toBool("captions_only", true),
	}
}

// Registry owns the runtime job tables: brew jobs, component test jobs, and
// notes progress. Each table has its own mutex; every mutation publishes a
// snapshot event.
type Registry struct {
	log *logger.Logger
	hub *ws.Hub

	brewMu sync.Mutex
	brew   map[string]*BrewJob

	compMu sync.Mutex
	comp   map[string]*ComponentTestJob

	notesMu     sync.Mutex
	notesActive map[string]bool
	analyze     map[string]map[string]any
	ask         map[string]map[string]any
}

func NewRegistry(log *logger.Logger, hub *ws.Hub) *Registry {
	return &Registry{
		log:         log.With("component", "JobRegistry"),
		hub:         hub,
		brew:        make(map[string]*BrewJob),
		comp:        make(map[string]*ComponentTestJob),
		notesActive: make(map[string]bool),
		analyze:     make(map[string]map[string]any),
		ask:         make(map[string]map[string]any),
	}
}

func (r *Registry) publish(payload any) {
	if r.hub != nil {
		r.hub.Broadcast(payload)
	}
}

// HelloPayload is the websocket greeting for new subscribers.
func (r *Registry) HelloPayload(runtime map[string]any) map[string]any {
	return map[string]any{
		"type":                  "hello",
		"runtime":               runtime,
		"active_jobs":           r.ListBrewJobs(true),
		"active_component_jobs": r.ListComponentTestJobs(true),
	}
}

// CreateBrewJob registers a queued job and broadcasts its creation.
func (r *Registry) CreateBrewJob(topic string, privateRun bool, cfg BrewConfig) BrewJobSnapshot {
	now := utils.UTCNowISO()
	job := &BrewJob{
		JobID:      strings.ReplaceAll(uuid.New().String(), "-", ""),
		Topic:      topic,
		Status:     "queued",
		Stage:      "Queued",
		PrivateRun: privateRun,
		CreatedAt:  now,
		UpdatedAt:  now,
		Progress:   services.StepProgress{TotalSteps: 5},
		Config: map[string]any{
			"max_videos":                  cfg.MaxVideos,
			"max_queries":                 cfg.MaxQueries,
			"per_query":                   cfg.PerQuery,
			"min_duration_sec":            cfg.MinDurationSec,
			"max_duration_sec":            cfg.MaxDurationSec,
			"no_caption_max_duration_sec": cfg.NoCaptionMaxDurationSec,
			"captions_only":               cfg.CaptionsOnly,
		},
		TotalVideos: cfg.MaxVideos,
	}
	r.brewMu.Lock()
	r.brew[job.JobID] = job
	snap := job.snapshot()
	r.brewMu.Unlock()

	r.publish(map[string]any{"type": "juice_job_created", "job": snap})
	return snap
}

// UpdateBrewJob mutates one job under the lock and broadcasts the result.
func (r *Registry) UpdateBrewJob(jobID string, mutate func(job *BrewJob)) *BrewJobSnapshot {
	r.brewMu.Lock()
	job, ok := r.brew[jobID]
	if !ok {
		r.brewMu.Unlock()
		return nil
	}
	mutate(job)
	job.UpdatedAt = utils.UTCNowISO()
	snap := job.snapshot()
	r.brewMu.Unlock()

	r.publish(map[string]any{"type": "juice_job_update", "job": snap})
	return &snap
}

func (r *Registry) GetBrewJob(jobID string) *BrewJobSnapshot {
	r.brewMu.Lock()
	defer r.brewMu.Unlock()
	job, ok := r.brew[jobID]
	if !ok {
		return nil
	}
	snap := job.snapshot()
	return &snap
}

func (r *Registry) ListBrewJobs(activeOnly bool) []BrewJobSnapshot {
	r.brewMu.Lock()
	var jobs []*BrewJob
	for _, j := range r.brew {
		if activeOnly && j.Status != "queued" && j.Status != "running" {
			continue
		}
		jobs = append(jobs, j)
	}
	snaps := make([]BrewJobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.snapshot())
	}
	r.brewMu.Unlock()

	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].CreatedAt > snaps[j].CreatedAt })
	return snaps
}

// HandleBrewProgress folds one research progress event into the job row.
func (r *Registry) HandleBrewProgress(jobID string, event services.ProgressEvent) {
	r.UpdateBrewJob(jobID, func(job *BrewJob) {
		job.Stage = event.StatusTitle
		job.LastEventType = event.EventType
		job.Progress = event.Progress
		if event.Detail != "" {
			job.ProgressDetail = event.Detail
		}
		if backend := strings.ToLower(strings.TrimSpace(event.LLMBackend)); backend != "" && backend != "unknown" {
			job.LLMBackend = backend
		}

		switch event.EventType {
		case "started":
			job.Status = "running"
			if event.Config != nil {
				job.Config = event.Config
			}
			job.SearchStats = nil
			job.QueryStats = nil
		case "queries_ready":
			job.Queries = event.Queries
		case "candidates_ready":
			job.CandidateVideos = event.Videos
			job.TotalCandidates = event.TotalCandidates
			job.SearchStats = event.SearchStats
			job.QueryStats = event.QueryStats
		case "processing_video":
			job.Status = "running"
			job.CurrentVideo = event.Video
			job.CurrentIndex = event.CurrentIndex
			job.TotalVideos = event.TotalVideos
		case "video_processed":
			job.CurrentVideo = event.Video
			job.CurrentIndex = event.CurrentIndex
			job.TotalVideos = event.TotalVideos
			if event.Video != nil {
				job.ReviewedVideos = append(job.ReviewedVideos, *event.Video)
				// Trailing-window retention.
				if len(job.ReviewedVideos) > brewReviewedKeep {
					job.ReviewedVideos = job.ReviewedVideos[len(job.ReviewedVideos)-brewReviewedKeep:]
				}
			}
		case "comparing":
			job.Status = "running"
			job.CurrentVideo = nil
		case "completed":
			job.Status = "completed"
			job.RunID = event.RunID
			job.IsPublic = event.IsPublic
			job.ReportText = event.ReportText
		case "failed":
			job.Status = "failed"
			if event.Error != "" {
				job.Error = event.Error
			} else {
				job.Error = "Brewing failed."
			}
			job.RunID = event.RunID
			job.IsPublic = event.IsPublic
			job.SearchStats = event.SearchStats
			job.QueryStats = event.QueryStats
		}
	})
}

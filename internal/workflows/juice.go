package workflows

import (
	"context"
	"errors"

	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// JuiceWorkflow runs knowledge-juice pipelines either synchronously or as
// observable background jobs fed into the registry.
type JuiceWorkflow struct {
	log      *logger.Logger
	registry *jobs.Registry
	research services.ResearchService
	repo     repos.ResearchRepo
}

func NewJuiceWorkflow(log *logger.Logger, registry *jobs.Registry, research services.ResearchService, repo repos.ResearchRepo) *JuiceWorkflow {
	return &JuiceWorkflow{
		log:      log.With("workflow", "Juice"),
		registry: registry,
		research: research,
		repo:     repo,
	}
}

type SyncJuiceOutcome struct {
	RunID    string `json:"run_id"`
	IsPublic bool   `json:"is_public"`
	Report   string `json:"report"`
}

// RunSync blocks until the pipeline finishes and returns the report. A
// private run still produces a report but is never persisted.
func (w *JuiceWorkflow) RunSync(ctx context.Context, topic string, privateRun bool) (*SyncJuiceOutcome, error) {
	topicText := utils.CollapseWhitespace(topic)
	if topicText == "" {
		return nil, errors.New("topic is required")
	}
	runID, report, err := w.research.RunKnowledgeJuice(ctx, services.ResearchRequest{
		GoalText: topicText,
		Persist:  !privateRun,
	})
	if err != nil {
		return nil, err
	}
	return &SyncJuiceOutcome{
		RunID:    runID,
		IsPublic: runID != "",
		Report:   report,
	}, nil
}

// StartJob registers a brew job, launches the pipeline on a worker, and
// returns the initial snapshot immediately.
func (w *JuiceWorkflow) StartJob(topic string, privateRun bool, rawConfig map[string]any) (*jobs.BrewJobSnapshot, error) {
	topicText := utils.CollapseWhitespace(topic)
	if topicText == "" {
		return nil, errors.New("topic is required")
	}
	cfg := jobs.NormalizeBrewConfig(rawConfig)
	snap := w.registry.CreateBrewJob(topicText, privateRun, cfg)
	jobID := snap.JobID

	go func() {
		ctx := context.Background()
		w.registry.UpdateBrewJob(jobID, func(job *jobs.BrewJob) {
			job.Status = "running"
			job.Stage = "Starting"
		})
		runID, _, err := w.research.RunKnowledgeJuice(ctx, services.ResearchRequest{
			GoalText: topicText,
			Persist:  !privateRun,
			Overrides: services.ResearchOverrides{
				PerQuery:       cfg.PerQuery,
				MaxQueries:     cfg.MaxQueries,
				MaxVideos:      cfg.MaxVideos,
				MinDurationSec: cfg.MinDurationSec,
				MaxDurationSec: cfg.MaxDurationSec,
				CaptionsOnly:   cfg.CaptionsOnly,
			},
			OnProgress: func(event services.ProgressEvent) {
				w.registry.HandleBrewProgress(jobID, event)
			},
		})
		if err != nil {
			if current := w.registry.GetBrewJob(jobID); current == nil || current.Status != "failed" {
				w.registry.UpdateBrewJob(jobID, func(job *jobs.BrewJob) {
					job.Status = "failed"
					job.Error = err.Error()
				})
			}
			return
		}
		if runID != "" {
			if item, repoErr := w.repo.GetPublicRun(ctx, runID); repoErr == nil && item != nil {
				w.registry.UpdateBrewJob(jobID, func(job *jobs.BrewJob) {
					job.RunID = runID
					job.IsPublic = true
					job.ReportText = item.ReportText
					if item.Status != "" {
						job.Status = item.Status
					}
				})
			}
		}
		if current := w.registry.GetBrewJob(jobID); current != nil &&
			current.Status != "completed" && current.Status != "failed" {
			w.registry.UpdateBrewJob(jobID, func(job *jobs.BrewJob) {
				job.Status = "completed"
			})
		}
	}()

	return &snap, nil
}

package jobs

import (
	"fmt"
	"testing"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/services"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return NewRegistry(log, nil)
}

func TestNormalizeBrewConfigDefaults(t *testing.T) {
	cfg := NormalizeBrewConfig(nil)
	if cfg.MaxVideos != 6 || cfg.MaxQueries != 8 || cfg.PerQuery != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.CaptionsOnly {
		t.Fatalf("captions_only defaults to true")
	}
	if cfg.NoCaptionMaxDurationSec != 600 {
		t.Fatalf("no-caption cap defaults to 10 minutes, got %d", cfg.NoCaptionMaxDurationSec)
	}
}

func TestNormalizeBrewConfigClamps(t *testing.T) {
	cfg := NormalizeBrewConfig(map[string]any{
		"max_videos":       float64(1),
		"max_queries":      float64(500),
		"per_query":        "12",
		"max_duration_sec": float64(300),
		"captions_only":    "no",
	})
	if cfg.MaxVideos != 2 {
		t.Fatalf("max_videos clamps to >=2, got %d", cfg.MaxVideos)
	}
	if cfg.MaxQueries != 30 {
		t.Fatalf("max_queries clamps to <=30, got %d", cfg.MaxQueries)
	}
	if cfg.PerQuery != 12 {
		t.Fatalf("string ints should parse, got %d", cfg.PerQuery)
	}
	if cfg.NoCaptionMaxDurationSec != 300 {
		t.Fatalf("user max duration tightens the no-caption cap, got %d", cfg.NoCaptionMaxDurationSec)
	}
	if cfg.CaptionsOnly {
		t.Fatalf("captions_only 'no' must be false")
	}
}

func TestBrewJobLifecycleEvents(t *testing.T) {
	r := testRegistry(t)
	snap := r.CreateBrewJob("bakery", false, NormalizeBrewConfig(nil))
	if snap.Status != "queued" || snap.JobID == "" {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}

	preview := func(i int) *services.VideoPreview {
		return &services.VideoPreview{VideoID: fmt.Sprintf("vid%08d", i), Title: fmt.Sprintf("v%d", i)}
	}
	events := []services.ProgressEvent{
		{EventType: "started", Progress: services.StepProgress{Step: 1, TotalSteps: 5, Ratio: 0.05}},
		{EventType: "queries_ready", Queries: []string{"a", "b"}, Progress: services.StepProgress{Step: 2, TotalSteps: 5, Ratio: 0.2}},
		{EventType: "candidates_ready", TotalCandidates: 2, Videos: []services.VideoPreview{*preview(1), *preview(2)}, Progress: services.StepProgress{Step: 3, TotalSteps: 5, Ratio: 0.35}},
		{EventType: "processing_video", CurrentIndex: 1, TotalVideos: 2, Video: preview(1), Progress: services.StepProgress{Step: 4, TotalSteps: 5, Ratio: 0.35}},
		{EventType: "video_processed", CurrentIndex: 1, TotalVideos: 2, Video: preview(1), Progress: services.StepProgress{Step: 4, TotalSteps: 5, Ratio: 0.575}},
		{EventType: "processing_video", CurrentIndex: 2, TotalVideos: 2, Video: preview(2), Progress: services.StepProgress{Step: 4, TotalSteps: 5, Ratio: 0.575}},
		{EventType: "video_processed", CurrentIndex: 2, TotalVideos: 2, Video: preview(2), Progress: services.StepProgress{Step: 4, TotalSteps: 5, Ratio: 0.8}},
		{EventType: "comparing", Progress: services.StepProgress{Step: 5, TotalSteps: 5, Ratio: 0.9}},
		{EventType: "completed", RunID: "run123", IsPublic: true, ReportText: "report", Progress: services.StepProgress{Step: 5, TotalSteps: 5, Ratio: 1.0}},
	}
	for _, ev := range events {
		r.HandleBrewProgress(snap.JobID, ev)
	}

	final := r.GetBrewJob(snap.JobID)
	if final == nil {
		t.Fatalf("job vanished")
	}
	if final.Status != "completed" {
		t.Fatalf("expected completed, got %q", final.Status)
	}
	if final.Progress.Ratio != 1.0 {
		t.Fatalf("final ratio must be 1.0, got %f", final.Progress.Ratio)
	}
	if final.RunID != "run123" {
		t.Fatalf("run id must persist, got %q", final.RunID)
	}
	if len(final.ReviewedVideos) != 2 {
		t.Fatalf("expected 2 reviewed videos, got %d", len(final.ReviewedVideos))
	}
	if final.TotalCandidates != 2 {
		t.Fatalf("expected candidate total 2, got %d", final.TotalCandidates)
	}
}

func TestBrewJobFailureCarriesError(t *testing.T) {
	r := testRegistry(t)
	snap := r.CreateBrewJob("bakery", true, NormalizeBrewConfig(nil))
	r.HandleBrewProgress(snap.JobID, services.ProgressEvent{
		EventType: "failed",
		Error:     "search exploded",
		Progress:  services.StepProgress{Step: 5, TotalSteps: 5, Ratio: 1.0},
	})
	final := r.GetBrewJob(snap.JobID)
	if final.Status != "failed" || final.Error == "" {
		t.Fatalf("failed jobs carry a non-empty error: %+v", final)
	}
	if final.Progress.Ratio != 1.0 {
		t.Fatalf("failed jobs still end at ratio 1.0")
	}
}

func TestBrewSnapshotBounds(t *testing.T) {
	r := testRegistry(t)
	snap := r.CreateBrewJob("bakery", false, NormalizeBrewConfig(nil))

	var candidates []services.VideoPreview
	for i := 0; i < 50; i++ {
		candidates = append(candidates, services.VideoPreview{VideoID: fmt.Sprintf("cand%06d", i)})
	}
	r.HandleBrewProgress(snap.JobID, services.ProgressEvent{EventType: "candidates_ready", Videos: candidates, TotalCandidates: 50})
	for i := 0; i < 100; i++ {
		r.HandleBrewProgress(snap.JobID, services.ProgressEvent{
			EventType: "video_processed",
			Video:     &services.VideoPreview{VideoID: fmt.Sprintf("rev%07d", i)},
		})
	}

	final := r.GetBrewJob(snap.JobID)
	if len(final.CandidateVideos) > brewCandidateLimit {
		t.Fatalf("candidates must cap at %d, got %d", brewCandidateLimit, len(final.CandidateVideos))
	}
	if len(final.ReviewedVideos) > brewReviewedShow {
		t.Fatalf("reviewed must cap at %d, got %d", brewReviewedShow, len(final.ReviewedVideos))
	}
	// Trailing window: the newest entries survive.
	last := final.ReviewedVideos[len(final.ReviewedVideos)-1]
	if last.VideoID != "rev0000099" {
		t.Fatalf("trailing retention must keep the newest, got %q", last.VideoID)
	}
}

func TestListBrewJobsActiveOnly(t *testing.T) {
	r := testRegistry(t)
	a := r.CreateBrewJob("one", false, NormalizeBrewConfig(nil))
	b := r.CreateBrewJob("two", false, NormalizeBrewConfig(nil))
	r.HandleBrewProgress(a.JobID, services.ProgressEvent{EventType: "completed"})

	active := r.ListBrewJobs(true)
	if len(active) != 1 || active[0].JobID != b.JobID {
		t.Fatalf("active filter wrong: %+v", active)
	}
	all := r.ListBrewJobs(false)
	if len(all) != 2 {
		t.Fatalf("expected both jobs, got %d", len(all))
	}
}

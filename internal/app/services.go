package app

import (
	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/services"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/workflows"
)

type Services struct {
	LLM        services.LLMService
	Embeddings services.EmbeddingService
	Media      services.MediaSourceService
	Speech     services.SpeechService
	Transcript services.TranscriptService
	Analysis   services.AnalysisService
	QA         services.QAService
	Exporter   services.NotesExporter
	Replay     services.ReplayService
	Live       services.LiveSupervisor
	Research   services.ResearchService
	EventBus   services.EventBus

	Notes      *workflows.NotesWorkflow
	MediaFlows *workflows.MediaWorkflow
	Juice      *workflows.JuiceWorkflow
}

func wireServices(log *logger.Logger, runtime *state.RuntimeState, registry *jobs.Registry, reposet Repos) (Services, error) {
	llm := services.NewLLMService(log)
	embeddings := services.NewEmbeddingService(log)
	media := services.NewMediaSourceService(log)
	speech := services.NewSpeechService(log)
	transcript := services.NewTranscriptService(log, media, speech)
	analysis := services.NewAnalysisService(log, llm)
	qa := services.NewQAService(log, llm, embeddings, reposet.Chunks, transcript)
	exporter := services.NewNotesExporter(log)
	replay := services.NewReplayService(log, runtime, media, reposet.Archive)
	live := services.NewLiveSupervisor(log, runtime, media, reposet.Archive, transcript, analysis, replay)
	research := services.NewResearchService(log, llm, media, speech, transcript, reposet.Research)

	eventBus, err := services.NewRedisEventBus(log)
	if err != nil {
		// A broken Redis is a hard failure; absence is fine.
		return Services{}, err
	}

	notes := workflows.NewNotesWorkflow(log, registry, runtime, reposet.Archive, reposet.QAHistory, transcript, analysis, qa, exporter)
	mediaFlows := workflows.NewMediaWorkflow(log, runtime, media, live, reposet.Archive)
	juice := workflows.NewJuiceWorkflow(log, registry, research, reposet.Research)

	return Services{
		LLM:        llm,
		Embeddings: embeddings,
		Media:      media,
		Speech:     speech,
		Transcript: transcript,
		Analysis:   analysis,
		QA:         qa,
		Exporter:   exporter,
		Replay:     replay,
		Live:       live,
		Research:   research,
		EventBus:   eventBus,
		Notes:      notes,
		MediaFlows: mediaFlows,
		Juice:      juice,
	}, nil
}

package app

import (
	"github.com/hubrts/youtube-command-deck/internal/handlers"
	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/server"
	"github.com/hubrts/youtube-command-deck/internal/ws"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Runtime  *handlers.RuntimeHandler
	Videos   *handlers.VideosHandler
	Notes    *handlers.NotesHandler
	Research *handlers.ResearchHandler
	Live     *handlers.LiveHandler
	Tests    *handlers.ComponentTestsHandler
}

func wireHandlers(log *logger.Logger, registry *jobs.Registry, hub *ws.Hub, reposet Repos, serviceset Services) Handlers {
	return Handlers{
		Runtime:  handlers.NewRuntimeHandler(registry, hub),
		Videos:   handlers.NewVideosHandler(reposet.Archive, serviceset.Transcript),
		Notes:    handlers.NewNotesHandler(serviceset.Notes, reposet.QAHistory),
		Research: handlers.NewResearchHandler(reposet.Research, registry, serviceset.Juice),
		Live:     handlers.NewLiveHandler(serviceset.MediaFlows),
		Tests:    handlers.NewComponentTestsHandler(registry),
	}
}

func wireRouter(h Handlers) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		RuntimeHandler:  h.Runtime,
		VideosHandler:   h.Videos,
		NotesHandler:    h.Notes,
		ResearchHandler: h.Research,
		LiveHandler:     h.Live,
		ComponentTests:  h.Tests,
	})
}

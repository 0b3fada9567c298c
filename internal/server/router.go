package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hubrts/youtube-command-deck/internal/handlers"
)

type RouterConfig struct {
	RuntimeHandler  *handlers.RuntimeHandler
	VideosHandler   *handlers.VideosHandler
	NotesHandler    *handlers.NotesHandler
	ResearchHandler *handlers.ResearchHandler
	LiveHandler     *handlers.LiveHandler
	ComponentTests  *handlers.ComponentTestsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:80", "http://localhost:3000", "http://localhost:5174"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/ws", cfg.RuntimeHandler.ServeWS)

	api := router.Group("/api")
	{
		api.GET("/runtime", cfg.RuntimeHandler.Runtime)

		api.GET("/videos", cfg.VideosHandler.ListVideos)
		api.GET("/video", cfg.VideosHandler.GetVideo)

		api.POST("/save_transcript", cfg.NotesHandler.SaveTranscript)
		api.POST("/analyze", cfg.NotesHandler.Analyze)
		api.POST("/analyze_store", cfg.NotesHandler.AnalyzeStore)
		api.POST("/ask", cfg.NotesHandler.Ask)
		api.GET("/analyze_progress", cfg.NotesHandler.AnalyzeProgress)
		api.GET("/ask_progress", cfg.NotesHandler.AskProgress)
		api.POST("/clear_history", cfg.NotesHandler.ClearHistory)
		api.GET("/recent_searches", cfg.NotesHandler.RecentSearches)

		api.GET("/researches", cfg.ResearchHandler.ListResearches)
		api.GET("/research", cfg.ResearchHandler.GetResearch)
		api.GET("/knowledge_juices", cfg.ResearchHandler.ListKnowledgeJuices)
		api.GET("/knowledge_juice", cfg.ResearchHandler.GetKnowledgeJuice)
		api.POST("/knowledge_juice", cfg.ResearchHandler.RunKnowledgeJuice)
		api.POST("/knowledge_juice/start", cfg.ResearchHandler.StartKnowledgeJuiceJob)
		api.GET("/knowledge_juice/jobs", cfg.ResearchHandler.ListKnowledgeJuiceJobs)
		api.GET("/knowledge_juice/job", cfg.ResearchHandler.GetKnowledgeJuiceJob)

		api.POST("/live/start", cfg.LiveHandler.StartLive)
		api.POST("/live/stop", cfg.LiveHandler.StopLive)
		api.POST("/direct_video", cfg.LiveHandler.DirectVideo)
		api.POST("/direct_audio", cfg.LiveHandler.DirectAudio)
		api.POST("/direct_save_server", cfg.LiveHandler.DirectSaveServer)

		api.POST("/component_tests/start", cfg.ComponentTests.Start)
		api.GET("/component_tests/jobs", cfg.ComponentTests.ListJobs)
		api.GET("/component_tests/job", cfg.ComponentTests.GetJob)
	}

	return router
}

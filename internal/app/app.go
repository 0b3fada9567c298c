package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/db"
	"github.com/hubrts/youtube-command-deck/internal/jobs"
	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/state"
	"github.com/hubrts/youtube-command-deck/internal/utils"
	"github.com/hubrts/youtube-command-deck/internal/ws"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Repos    Repos
	Services Services
	Registry *jobs.Registry
	Runtime  *state.RuntimeState
	Hub      *ws.Hub

	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	ensureRuntimeDirs(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := ws.NewHub(log)
	runtime := state.NewRuntimeState(log)
	reposet := wireRepos(theDB, log, pg.PgvectorEnabled())
	registry := jobs.NewRegistry(log, hub)
	serviceset, err := wireServices(log, runtime, registry, reposet)
	if err != nil {
		log.Sync()
		return nil, err
	}
	handlerset := wireHandlers(log, registry, hub, reposet, serviceset)
	router := wireRouter(handlerset)

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Repos:    reposet,
		Services: serviceset,
		Registry: registry,
		Runtime:  runtime,
		Hub:      hub,
	}, nil
}

func ensureRuntimeDirs(log *logger.Logger) {
	for _, dir := range []string{
		utils.GetEnv("STORAGE_DIR", "./downloads", nil),
		utils.GetEnv("DATA_DIR", "./data", nil),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn("Could not create runtime directory", "dir", dir, "error", err)
		}
	}
}

// Start launches background components: the optional Redis event forwarder
// that re-broadcasts cross-process job events into the local hub.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.EventBus != nil {
		err := a.Services.EventBus.StartForwarder(ctx, func(raw []byte) {
			a.Hub.Broadcast(rawJSON(raw))
		})
		if err != nil {
			a.Log.Warn("Event forwarder failed to start", "error", err)
		}
	}
}

// rawJSON lets pre-marshaled payloads pass through the hub unchanged.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.EventBus != nil {
		_ = a.Services.EventBus.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

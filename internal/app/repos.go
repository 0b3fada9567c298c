package app

import (
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
)

type Repos struct {
	Archive   repos.ArchiveRepo
	Research  repos.ResearchRepo
	Chunks    repos.TranscriptChunkRepo
	QAHistory repos.QAHistoryRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger, pgvectorEnabled bool) Repos {
	return Repos{
		Archive:   repos.NewArchiveRepo(db, log),
		Research:  repos.NewResearchRepo(db, log),
		Chunks:    repos.NewTranscriptChunkRepo(db, log, pgvectorEnabled),
		QAHistory: repos.NewQAHistoryRepo(db, log),
	}
}

package repos

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
)

type RecentSearch struct {
	VideoID  string    `json:"video_id"`
	Question string    `json:"question"`
	Source   string    `json:"source"`
	ChatID   *int64    `json:"chat_id"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	AskedAt  time.Time `json:"asked_at"`
}

// QAHistoryRepo is append-only; entries are never edited after insert.
type QAHistoryRepo interface {
	SaveEntry(ctx context.Context, entry types.TranscriptQAEntry, extra map[string]any) error
	LoadRecentSearches(ctx context.Context, limit int) ([]RecentSearch, error)
}

type qaHistoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQAHistoryRepo(db *gorm.DB, baseLog *logger.Logger) QAHistoryRepo {
	return &qaHistoryRepo{
		db:  db,
		log: baseLog.With("repo", "QAHistoryRepo"),
	}
}

func (r *qaHistoryRepo) SaveEntry(ctx context.Context, entry types.TranscriptQAEntry, extra map[string]any) error {
	if extra == nil {
		extra = map[string]any{}
	}
	blob, err := json.Marshal(extra)
	if err != nil {
		return err
	}
	entry.ID = 0
	entry.VideoID = strings.TrimSpace(entry.VideoID)
	entry.TranscriptPath = strings.TrimSpace(entry.TranscriptPath)
	entry.Question = strings.TrimSpace(entry.Question)
	entry.Answer = strings.TrimSpace(entry.Answer)
	entry.Source = strings.TrimSpace(entry.Source)
	if entry.Source == "" {
		entry.Source = "bot"
	}
	entry.Lang = strings.TrimSpace(entry.Lang)
	entry.ExtraJSON = datatypes.JSON(blob)
	if entry.AskedAt.IsZero() {
		entry.AskedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *qaHistoryRepo) LoadRecentSearches(ctx context.Context, limit int) ([]RecentSearch, error) {
	lim := limit
	if lim < 1 {
		lim = 1
	}
	var rows []types.TranscriptQAEntry
	err := r.db.WithContext(ctx).
		Order("asked_at DESC").
		Limit(lim).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]RecentSearch, 0, len(rows))
	for _, row := range rows {
		extra := map[string]any{}
		if len(row.ExtraJSON) > 0 {
			_ = json.Unmarshal(row.ExtraJSON, &extra)
		}
		title, _ := extra["title"].(string)
		url, _ := extra["url"].(string)
		if url == "" {
			url, _ = extra["youtube_url"].(string)
		}
		out = append(out, RecentSearch{
			VideoID:  row.VideoID,
			Question: row.Question,
			Source:   row.Source,
			ChatID:   row.ChatID,
			Title:    title,
			URL:      url,
			AskedAt:  row.AskedAt,
		})
	}
	return out, nil
}

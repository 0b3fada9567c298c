package types

import (
	"time"

	"gorm.io/datatypes"
)

type ResearchRun struct {
	RunID       string         `gorm:"column:run_id;primaryKey" json:"run_id"`
	ChatID      int64          `gorm:"column:chat_id;not null" json:"chat_id"`
	GoalText    string         `gorm:"column:goal_text;not null;default:''" json:"goal_text"`
	IsPublic    bool           `gorm:"column:is_public;not null;default:true" json:"is_public"`
	IntentJSON  datatypes.JSON `gorm:"column:intent_json;type:jsonb;not null;default:'{}'" json:"intent_json"`
	Status      string         `gorm:"column:status;not null;default:'running'" json:"status"`
	ReportText  string         `gorm:"column:report_text;not null;default:''" json:"report_text"`
	SummaryJSON datatypes.JSON `gorm:"column:summary_json;type:jsonb;not null;default:'{}'" json:"summary_json"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (ResearchRun) TableName() string {
	return "research_runs"
}

// Research run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type ResearchVideo struct {
	RunID            string         `gorm:"column:run_id;primaryKey" json:"run_id"`
	VideoID          string         `gorm:"column:video_id;primaryKey" json:"video_id"`
	Rank             int            `gorm:"column:rank;not null;default:0;index:idx_research_videos_run_rank,priority:2" json:"rank"`
	URL              string         `gorm:"column:url;not null;default:''" json:"url"`
	Title            string         `gorm:"column:title;not null;default:''" json:"title"`
	Channel          string         `gorm:"column:channel;not null;default:''" json:"channel"`
	ViewCount        int64          `gorm:"column:view_count;not null;default:0" json:"view_count"`
	PublishedUTC     string         `gorm:"column:published_utc;not null;default:''" json:"published_utc"`
	PopularityScore  float64        `gorm:"column:popularity_score;not null;default:0" json:"popularity_score"`
	TranscriptPath   string         `gorm:"column:transcript_path;not null;default:''" json:"transcript_path"`
	TranscriptSource string         `gorm:"column:transcript_source;not null;default:''" json:"transcript_source"`
	TranscriptChars  int            `gorm:"column:transcript_chars;not null;default:0" json:"transcript_chars"`
	MetaJSON         datatypes.JSON `gorm:"column:meta_json;type:jsonb;not null;default:'{}'" json:"meta_json"`
	CreatedAt        time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (ResearchVideo) TableName() string {
	return "research_videos"
}

type ResearchVideoFact struct {
	RunID         string         `gorm:"column:run_id;primaryKey" json:"run_id"`
	VideoID       string         `gorm:"column:video_id;primaryKey" json:"video_id"`
	IsOwnerStory  *bool          `gorm:"column:is_owner_story" json:"is_owner_story"`
	Confidence    float64        `gorm:"column:confidence;not null;default:0" json:"confidence"`
	BusinessModel string         `gorm:"column:business_model;not null;default:''" json:"business_model"`
	FactsJSON     datatypes.JSON `gorm:"column:facts_json;type:jsonb;not null;default:'{}'" json:"facts_json"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (ResearchVideoFact) TableName() string {
	return "research_video_facts"
}

type ResearchRunTopic struct {
	RunID     string    `gorm:"column:run_id;primaryKey" json:"run_id"`
	TopicTag  string    `gorm:"column:topic_tag;primaryKey;index:idx_research_topics_tag" json:"topic_tag"`
	Weight    float64   `gorm:"column:weight;not null;default:1.0" json:"weight"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (ResearchRunTopic) TableName() string {
	return "research_run_topics"
}

// ResearchIntent is the parsed research goal. RunKind distinguishes plain
// research from knowledge-juice runs.
type ResearchIntent struct {
	Domain         string   `json:"domain"`
	Objective      string   `json:"objective"`
	TargetRegion   string   `json:"target_region"`
	TargetLanguage string   `json:"target_language"`
	Audience       string   `json:"audience"`
	SuccessSignals []string `json:"success_signals"`
	RunKind        string   `json:"run_kind"`
}

type TopicTag struct {
	Tag    string  `json:"tag"`
	Weight float64 `json:"weight"`
}

type RelatedTopic struct {
	Tag       string  `json:"tag"`
	RunCount  int     `json:"run_count"`
	MaxWeight float64 `json:"max_weight"`
}

package types

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Segment is one timed line of speech, from captions or STT.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Chunk is a contiguous transcript window, the unit of embedding and
// retrieval. Text holds the chunk's [mm:ss]-prefixed lines joined with \n.
type Chunk struct {
	Idx     int     `json:"idx"`
	StartTs float64 `json:"start_ts"`
	EndTs   float64 `json:"end_ts"`
	Text    string  `json:"text"`
}

type TranscriptChunkRow struct {
	VideoID     string         `gorm:"column:video_id;primaryKey" json:"video_id"`
	ChunkIdx    int            `gorm:"column:chunk_idx;primaryKey" json:"chunk_idx"`
	ContentHash string         `gorm:"column:content_hash;not null;default:''" json:"content_hash"`
	ChunkJSON   datatypes.JSON `gorm:"column:chunk_json;type:jsonb;not null" json:"chunk_json"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (TranscriptChunkRow) TableName() string {
	return "transcript_chunks"
}

// TranscriptChunkEmbedding rows for one (video_id, model) pair always share
// a content_hash; a mismatch against the live chunk set forces a rebuild.
// The vector column is created with the configured dimension at migration.
type TranscriptChunkEmbedding struct {
	VideoID     string          `gorm:"column:video_id;primaryKey" json:"video_id"`
	ChunkIdx    int             `gorm:"column:chunk_idx;primaryKey" json:"chunk_idx"`
	Model       string          `gorm:"column:model;primaryKey" json:"model"`
	ContentHash string          `gorm:"column:content_hash;not null;default:''" json:"content_hash"`
	Embedding   pgvector.Vector `gorm:"column:embedding" json:"embedding"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (TranscriptChunkEmbedding) TableName() string {
	return "transcript_chunk_embeddings"
}

type TranscriptQAEntry struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	VideoID        string         `gorm:"column:video_id;not null;default:'';index:idx_transcript_qa_video_time,priority:1" json:"video_id"`
	TranscriptPath string         `gorm:"column:transcript_path;not null;default:''" json:"transcript_path"`
	Question       string         `gorm:"column:question;not null;default:''" json:"question"`
	Answer         string         `gorm:"column:answer;not null;default:''" json:"answer"`
	Source         string         `gorm:"column:source;not null;default:'bot'" json:"source"`
	ChatID         *int64         `gorm:"column:chat_id" json:"chat_id"`
	Lang           string         `gorm:"column:lang;not null;default:''" json:"lang"`
	ExtraJSON      datatypes.JSON `gorm:"column:extra_json;type:jsonb;not null;default:'{}'" json:"extra_json"`
	AskedAt        time.Time      `gorm:"column:asked_at;not null;default:now();index:idx_transcript_qa_video_time,priority:2,sort:desc" json:"asked_at"`
}

func (TranscriptQAEntry) TableName() string {
	return "transcript_qa_history"
}

// Transcript sources, in preference order.
const (
	TranscriptSourceCaptions = "youtube captions"
	TranscriptSourceSTT      = "audio transcription"
	TranscriptSourceCached   = "cached transcript"
	TranscriptSourceFile     = "file"
)

package repos

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
)

type ChunkVector struct {
	Idx    int
	Vector []float32
}

type ChunkHit struct {
	Idx        int
	Similarity float64
}

// TranscriptChunkRepo persists chunk sets and their embeddings. Rebuilds
// replace the full (video_id, model) group in one transaction so readers
// always see a complete old or new set.
type TranscriptChunkRepo interface {
	SaveChunks(ctx context.Context, videoID, contentHash string, chunks []types.Chunk) error
	LoadChunks(ctx context.Context, videoID string) ([]types.Chunk, error)
	GetEmbeddingMeta(ctx context.Context, videoID, model string) (string, int, error)
	SaveChunkEmbeddings(ctx context.Context, videoID, model, contentHash string, vectors []ChunkVector) error
	SearchSemantic(ctx context.Context, videoID, model string, queryVector []float32, limit int) ([]ChunkHit, error)
}

type transcriptChunkRepo struct {
	db      *gorm.DB
	log     *logger.Logger
	enabled bool
}

func NewTranscriptChunkRepo(db *gorm.DB, baseLog *logger.Logger, pgvectorEnabled bool) TranscriptChunkRepo {
	return &transcriptChunkRepo{
		db:      db,
		log:     baseLog.With("repo", "TranscriptChunkRepo"),
		enabled: pgvectorEnabled,
	}
}

func (r *transcriptChunkRepo) SaveChunks(ctx context.Context, videoID, contentHash string, chunks []types.Chunk) error {
	vid := strings.TrimSpace(videoID)
	if !r.enabled || vid == "" {
		return nil
	}
	now := time.Now()
	rows := make([]types.TranscriptChunkRow, 0, len(chunks))
	for i, ch := range chunks {
		blob, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		idx := ch.Idx
		if idx == 0 && i > 0 {
			idx = i
		}
		rows = append(rows, types.TranscriptChunkRow{
			VideoID:     vid,
			ChunkIdx:    idx,
			ContentHash: contentHash,
			ChunkJSON:   datatypes.JSON(blob),
			UpdatedAt:   now,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", vid).Delete(&types.TranscriptChunkRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func (r *transcriptChunkRepo) LoadChunks(ctx context.Context, videoID string) ([]types.Chunk, error) {
	vid := strings.TrimSpace(videoID)
	if !r.enabled || vid == "" {
		return nil, nil
	}
	var rows []types.TranscriptChunkRow
	err := r.db.WithContext(ctx).
		Where("video_id = ?", vid).
		Order("chunk_idx ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Chunk, 0, len(rows))
	for _, row := range rows {
		var ch types.Chunk
		if err := json.Unmarshal(row.ChunkJSON, &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func (r *transcriptChunkRepo) GetEmbeddingMeta(ctx context.Context, videoID, model string) (string, int, error) {
	vid := strings.TrimSpace(videoID)
	modelName := strings.TrimSpace(model)
	if !r.enabled || vid == "" || modelName == "" {
		return "", 0, nil
	}
	var row struct {
		ContentHash string
		Count       int
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT COALESCE(MAX(content_hash), '') AS content_hash, COUNT(*) AS count
		FROM transcript_chunk_embeddings
		WHERE video_id = ? AND model = ?
	`, vid, modelName).Scan(&row).Error
	if err != nil {
		return "", 0, err
	}
	return row.ContentHash, row.Count, nil
}

func (r *transcriptChunkRepo) SaveChunkEmbeddings(ctx context.Context, videoID, model, contentHash string, vectors []ChunkVector) error {
	vid := strings.TrimSpace(videoID)
	modelName := strings.TrimSpace(model)
	if !r.enabled || vid == "" || modelName == "" {
		return nil
	}
	now := time.Now()
	rows := make([]types.TranscriptChunkEmbedding, 0, len(vectors))
	for _, v := range vectors {
		if len(v.Vector) == 0 {
			continue
		}
		rows = append(rows, types.TranscriptChunkEmbedding{
			VideoID:     vid,
			ChunkIdx:    v.Idx,
			Model:       modelName,
			ContentHash: contentHash,
			Embedding:   pgvector.NewVector(v.Vector),
			UpdatedAt:   now,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ? AND model = ?", vid, modelName).
			Delete(&types.TranscriptChunkEmbedding{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
}

func (r *transcriptChunkRepo) SearchSemantic(ctx context.Context, videoID, model string, queryVector []float32, limit int) ([]ChunkHit, error) {
	vid := strings.TrimSpace(videoID)
	modelName := strings.TrimSpace(model)
	if !r.enabled || vid == "" || modelName == "" || len(queryVector) == 0 {
		return nil, nil
	}
	lim := limit
	if lim < 1 {
		lim = 1
	}
	vec := pgvector.NewVector(queryVector)
	var rows []struct {
		ChunkIdx   int
		Similarity float64
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT chunk_idx, (1 - (embedding <=> ?)) AS similarity
		FROM transcript_chunk_embeddings
		WHERE video_id = ? AND model = ?
		ORDER BY embedding <=> ? ASC
		LIMIT ?
	`, vec, vid, modelName, vec, lim).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ChunkHit, 0, len(rows))
	for _, row := range rows {
		out = append(out, ChunkHit{Idx: row.ChunkIdx, Similarity: row.Similarity})
	}
	return out, nil
}

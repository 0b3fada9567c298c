package repos

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
)

// ArchiveRepo persists the archive index (record blobs keyed by video id),
// the known-chats set, and the bot meta key/value table.
//
// SaveIndex replaces the full mapping atomically so cross-row invariants
// survive concurrent read-modify-write cycles; callers hold the runtime
// state lock around load/modify/save for a single key.
type ArchiveRepo interface {
	LoadIndex(ctx context.Context) (map[string]types.ArchiveRecord, error)
	SaveIndex(ctx context.Context, index map[string]types.ArchiveRecord) error

	LoadKnownChats(ctx context.Context) (map[int64]bool, error)
	SaveKnownChats(ctx context.Context, chats map[int64]bool) error

	GetMeta(ctx context.Context, key string) (map[string]any, error)
	SetMeta(ctx context.Context, key string, value map[string]any) error
}

type archiveRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArchiveRepo(db *gorm.DB, baseLog *logger.Logger) ArchiveRepo {
	return &archiveRepo{
		db:  db,
		log: baseLog.With("repo", "ArchiveRepo"),
	}
}

func (r *archiveRepo) LoadIndex(ctx context.Context) (map[string]types.ArchiveRecord, error) {
	var rows []types.ArchiveIndexRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]types.ArchiveRecord, len(rows))
	for _, row := range rows {
		vid := strings.TrimSpace(row.VideoID)
		if vid == "" {
			continue
		}
		rec := types.ArchiveRecord{}
		if len(row.Record) > 0 {
			if err := json.Unmarshal(row.Record, &rec); err != nil {
				r.log.Warn("Skipping unparseable archive record", "video_id", vid, "error", err)
				rec = types.ArchiveRecord{}
			}
		}
		out[vid] = rec
	}
	return out, nil
}

func (r *archiveRepo) SaveIndex(ctx context.Context, index map[string]types.ArchiveRecord) error {
	rows := make([]types.ArchiveIndexRow, 0, len(index))
	now := time.Now()
	for rawVid, rec := range index {
		vid := strings.TrimSpace(rawVid)
		if vid == "" {
			continue
		}
		if rec == nil {
			rec = types.ArchiveRecord{}
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		rows = append(rows, types.ArchiveIndexRow{
			VideoID:   vid,
			Record:    datatypes.JSON(blob),
			UpdatedAt: now,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM archive_index`).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func (r *archiveRepo) LoadKnownChats(ctx context.Context) (map[int64]bool, error) {
	var rows []types.KnownChat
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(rows))
	for _, row := range rows {
		out[row.ChatID] = true
	}
	return out, nil
}

func (r *archiveRepo) SaveKnownChats(ctx context.Context, chats map[int64]bool) error {
	ids := make([]int64, 0, len(chats))
	for id := range chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := time.Now()
	rows := make([]types.KnownChat, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, types.KnownChat{ChatID: id, AddedAt: now})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM known_chats`).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *archiveRepo) GetMeta(ctx context.Context, key string) (map[string]any, error) {
	var row types.BotMeta
	err := r.db.WithContext(ctx).Where("key = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Key == "" {
		return nil, nil
	}
	out := map[string]any{}
	if len(row.ValueJSON) > 0 {
		_ = json.Unmarshal(row.ValueJSON, &out)
	}
	return out, nil
}

func (r *archiveRepo) SetMeta(ctx context.Context, key string, value map[string]any) error {
	if value == nil {
		value = map[string]any{}
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec(`
		INSERT INTO bot_meta (key, value_json, updated_at)
		VALUES (?, ?::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value_json = EXCLUDED.value_json,
		    updated_at = NOW()
	`, key, string(blob)).Error
}

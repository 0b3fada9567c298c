package types

import (
	"time"

	"gorm.io/datatypes"
)

// ArchiveIndexRow stores one archive record as an opaque JSON payload keyed
// by video id. The record schema evolves frequently (bot and web both write
// to it), so the blob stays schemaless behind the ArchiveRecord accessors.
type ArchiveIndexRow struct {
	VideoID   string         `gorm:"column:video_id;primaryKey" json:"video_id"`
	Record    datatypes.JSON `gorm:"column:record;type:jsonb;not null" json:"record"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (ArchiveIndexRow) TableName() string {
	return "archive_index"
}

type KnownChat struct {
	ChatID  int64     `gorm:"column:chat_id;primaryKey" json:"chat_id"`
	AddedAt time.Time `gorm:"column:added_at;not null;default:now()" json:"added_at"`
}

func (KnownChat) TableName() string {
	return "known_chats"
}

type BotMeta struct {
	Key       string         `gorm:"column:key;primaryKey" json:"key"`
	ValueJSON datatypes.JSON `gorm:"column:value_json;type:jsonb;not null" json:"value_json"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (BotMeta) TableName() string {
	return "bot_meta"
}

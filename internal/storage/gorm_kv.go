package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntryModel is the GORM row for one stored entry. Values are kept as
// JSON so the user snapshot stays queryable server-side.
type EntryModel struct {
	Key       string         `gorm:"primaryKey"`
	Value     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (EntryModel) TableName() string { return "client_state" }

// GormKV implements KV using GORM + Postgres.
type GormKV struct {
	db *gorm.DB
}

// NewGormKV opens the DB and runs auto-migrations.
func NewGormKV(dsn string) (*GormKV, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&EntryModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormKV{db: db}, nil
}

func (s *GormKV) Get(ctx context.Context, key string) (string, bool, error) {
	var model EntryModel
	if err := s.db.WithContext(ctx).First(&model, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	var value string
	if err := json.Unmarshal(model.Value, &value); err != nil {
		return "", false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return value, true, nil
}

func (s *GormKV) Set(ctx context.Context, key, value string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	model := EntryModel{Key: key, Value: encoded, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormKV) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&EntryModel{}, "key = ?", key).Error
}

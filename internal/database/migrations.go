package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/manhavi/shopsync/internal/store"
)

const migrationBackfillIdempotencyKeys = "2026-07-14_backfill_queue_idempotency_keys"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillIdempotencyKeys, apply: backfillIdempotencyKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillIdempotencyKeys assigns keys to queue rows written before replayed
// writes carried an idempotency key, so old entries replay with stable keys.
func backfillIdempotencyKeys(db *gorm.DB) error {
	var entries []store.QueueEntry
	if err := db.Where("idempotency_key = ''").Find(&entries).Error; err != nil {
		return err
	}
	for _, entry := range entries {
		key, err := uuid.NewV7()
		if err != nil {
			return err
		}
		err = db.Model(&store.QueueEntry{}).
			Where("id = ?", entry.ID).
			Update("idempotency_key", key.String()).Error
		if err != nil {
			return err
		}
	}
	return nil
}

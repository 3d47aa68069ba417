package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanStreamEntries = "2026-10-01_prune_orphan_stream_entries"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migration{
	{name: migrationPruneOrphanStreamEntries, apply: pruneOrphanStreamEntries},
}

// applyMigrations runs every migration that db_migrations has no record of.
// A migration and its record commit together.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pending := range migrations {
		applied, err := migrationApplied(db, pending.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", pending.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", pending.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Stream entries synthesized from the shared index carry no change id and are kept.
func pruneOrphanStreamEntries(db *gorm.DB) error {
	return db.Where("change_id <> '' AND change_id NOT IN (?)", db.Table("changes").Select("change_id")).
		Delete(&sharing.StreamEntry{}).Error
}

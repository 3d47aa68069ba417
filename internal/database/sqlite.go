package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every record type stored by the service.
func Models() []interface{} {
	return []interface{}{
		&changes.Record{},
		&entities.Entity{},
		&entities.Membership{},
		&objects.Object{},
		&objects.SharingTarget{},
		&sharing.SharedEntry{},
		&sharing.StreamEntry{},
		&sharing.Mute{},
		&sharing.Relationship{},
		&sharing.Follow{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

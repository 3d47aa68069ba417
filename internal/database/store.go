package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database: gorm handle is required")

// Store opens transactional connections against the object store.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore wraps an opened database as a txn.Opener.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Open begins a transaction on a pooled connection.
func (s *Store) Open(ctx context.Context) (txn.Connection, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classify(tx.Error)
	}
	return &connection{tx: tx, logger: s.logger}, nil
}

type connection struct {
	tx       *gorm.DB
	logger   *zap.Logger
	finished bool
}

func (c *connection) DB() *gorm.DB {
	return c.tx
}

// Sync pins the read snapshot so the transaction observes everything
// committed before it.
func (c *connection) Sync() error {
	return classify(c.tx.Exec("SELECT 1").Error)
}

func (c *connection) Commit() error {
	if c.finished {
		return txn.ErrNotActive
	}
	c.finished = true
	return classify(c.tx.Commit().Error)
}

func (c *connection) Abort() error {
	if c.finished {
		return nil
	}
	c.finished = true
	return c.tx.Rollback().Error
}

func (c *connection) Close() error {
	if c.finished {
		return nil
	}
	c.logger.Debug("closing connection with open transaction")
	return c.Abort()
}

func classify(err error) error {
	if err == nil || errors.Is(err, txn.ErrConflict) {
		return err
	}
	if txn.IsTransient(err) {
		return fmt.Errorf("%w: %v", txn.ErrConflict, err)
	}
	return err
}

// Package storage persists the product index, the ETag cache and the
// download status list using GORM and SQLite.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Sentinel errors
var (
	ErrNilProduct = errors.New("product cannot be nil")
	ErrNotFound   = errors.New("product not found")
	ErrEmptyID    = errors.New("product id cannot be empty")
)

// batchSize keeps multi-row inserts under SQLite's bound variable limit.
const batchSize = 100

// DB wraps gorm.DB with the mirror's persisted state.
type DB struct {
	db *gorm.DB
}

// Config holds database configuration
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// every new connection to :memory: would see its own empty database
	if cfg.DatabasePath == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Product{}, &ETag{}, &DownloadStatus{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// LoadETags returns the whole ETag cache keyed by URL.
func (d *DB) LoadETags() (map[string]string, error) {
	var rows []ETag
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load etags: %w", err)
	}
	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.URL] = row.Value
	}
	return cache, nil
}

// SaveETags makes the stored cache equal to cache: entries missing from it
// are deleted and the rest are upserted.
func (d *DB) SaveETags(cache map[string]string) error {
	rows := make([]ETag, 0, len(cache))
	for url, value := range cache {
		rows = append(rows, ETag{URL: url, Value: value})
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&ETag{}).Pluck("url", &existing).Error; err != nil {
			return err
		}
		var stale []string
		for _, url := range existing {
			if _, ok := cache[url]; !ok {
				stale = append(stale, url)
			}
		}
		for start := 0; start < len(stale); start += batchSize {
			end := min(start+batchSize, len(stale))
			if err := tx.Where("url IN ?", stale[start:end]).Delete(&ETag{}).Error; err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "url"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save %d etags: %w", len(rows), err)
	}
	return nil
}

// LoadDownloadStatus returns the ids of products whose assets were
// replicated, in ascending order.
func (d *DB) LoadDownloadStatus() ([]string, error) {
	var ids []string
	if err := d.db.Model(&DownloadStatus{}).Order("product_id").Pluck("product_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load download status: %w", err)
	}
	return ids, nil
}

// SaveDownloadStatus replaces the download status list.
func (d *DB) SaveDownloadStatus(ids []string) error {
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&DownloadStatus{}).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		seen := make(map[string]struct{}, len(ids))
		rows := make([]DownloadStatus, 0, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			rows = append(rows, DownloadStatus{ProductID: id})
		}
		return tx.CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save download status: %w", err)
	}
	return nil
}

// Package store persists the last brightness setpoint commanded per light.
// A light with no row has no setpoint; a stored 0 is a real setpoint.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lucsky/cuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Setpoint is the last commanded brightness of one light.
// Table: setpoints
type Setpoint struct {
	ID        string    `gorm:"column:id;primaryKey"`
	LightID   string    `gorm:"column:light_id;uniqueIndex"`
	Percent   int       `gorm:"column:percent"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Setpoint) TableName() string { return "setpoints" }

// Store is a SQLite-backed setpoint store. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, l *log.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if l == nil {
		l = log.StandardLogger()
	}

	gormLogger := logger.New(l, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Setpoint{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	l.WithField("path", path).Info("setpoint database opened")
	return &Store{db: db}, nil
}

// Setpoint returns the stored setpoint for id; ok is false when none is stored.
func (s *Store) Setpoint(ctx context.Context, id string) (int, bool, error) {
	var sp Setpoint
	err := s.db.WithContext(ctx).First(&sp, "light_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read setpoint %s: %w", id, err)
	}
	return sp.Percent, true, nil
}

// SetSetpoint stores pct as the setpoint for id.
func (s *Store) SetSetpoint(ctx context.Context, id string, pct int) error {
	sp := Setpoint{ID: cuid.New(), LightID: id, Percent: pct}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "light_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"percent", "updated_at"}),
	}).Create(&sp).Error
	if err != nil {
		return fmt.Errorf("write setpoint %s: %w", id, err)
	}
	return nil
}

// ClearSetpoint forgets the setpoint for id. Clearing a missing setpoint is not an error.
func (s *Store) ClearSetpoint(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Setpoint{}, "light_id = ?", id).Error; err != nil {
		return fmt.Errorf("clear setpoint %s: %w", id, err)
	}
	return nil
}

// All returns every stored setpoint ordered by light id.
func (s *Store) All(ctx context.Context) ([]Setpoint, error) {
	var out []Setpoint
	err := s.db.WithContext(ctx).Order("light_id ASC").Find(&out).Error
	return out, err
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"pixelrelay/internal/models"
)

type Database struct {
	DB *gorm.DB
}

func New(databaseURL string) (*Database, error) {
	return open(databaseURL, logger.Default.LogMode(logger.Warn))
}

// NewMemory opens a private in-memory SQLite database, named so that
// concurrent callers do not share tables.
func NewMemory(name string) (*Database, error) {
	return open("sqlite://file:"+name+"?mode=memory&cache=shared", logger.Default.LogMode(logger.Silent))
}

func open(databaseURL string, gormLogger logger.Interface) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "sqlite://") {
		// SQLite for development
		dbPath := strings.TrimPrefix(databaseURL, "sqlite://")
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: gormLogger,
		})
	} else {
		// PostgreSQL for production
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: gormLogger,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.Session{}, &models.Installation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	return &Database{DB: db}, nil
}

// Ping checks the underlying connection.
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveSession inserts or refreshes the session for s.Shop.
func (d *Database) SaveSession(ctx context.Context, s *models.Session) error {
	err := d.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "shop"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "scope", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return fmt.Errorf("saving session for %s: %w", s.Shop, err)
	}
	return nil
}

// FindSession returns the stored session for shop, or ErrNoSession.
func (d *Database) FindSession(ctx context.Context, shop string) (*models.Session, error) {
	var s models.Session
	err := d.DB.WithContext(ctx).Where("shop = ?", shop).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session for %s: %w", shop, err)
	}
	return &s, nil
}

// DeleteSessions removes every session stored for shop.
func (d *Database) DeleteSessions(ctx context.Context, shop string) (int64, error) {
	res := d.DB.WithContext(ctx).Where("shop = ?", shop).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting sessions for %s: %w", shop, res.Error)
	}
	return res.RowsAffected, nil
}

// RecordInstallation stores the outcome of one install run.
func (d *Database) RecordInstallation(ctx context.Context, inst *models.Installation) error {
	if err := d.DB.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("recording installation for %s: %w", inst.Shop, err)
	}
	return nil
}

// ListInstallations returns the most recent install runs for shop, newest first.
func (d *Database) ListInstallations(ctx context.Context, shop string, limit int) ([]models.Installation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.Installation
	err := d.DB.WithContext(ctx).
		Where("shop = ?", shop).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing installations for %s: %w", shop, err)
	}
	return out, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

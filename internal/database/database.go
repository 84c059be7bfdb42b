package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coldeye/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Initialize opens the process-wide database at dbPath and migrates it.
func Initialize(dbPath string) error {
	var initErr error
	once.Do(func() {
		if !isPostgres(dbPath) {
			dir := filepath.Dir(dbPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				initErr = fmt.Errorf("failed to create database directory: %w", err)
				return
			}
		}

		var err error
		db, err = Open(dbPath)
		if err != nil {
			initErr = err
		}
	})

	return initErr
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Dialector picks PostgreSQL for postgres:// URLs and SQLite for everything
// else (a file path or a "file:...?mode=memory" URI).
func Dialector(dsn string) gorm.Dialector {
	if isPostgres(dsn) {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Open connects to the database named by dsn and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(Dialector(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenMemory opens a private in-memory database named name. Used by tests.
func OpenMemory(name string) (*gorm.DB, error) {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	return Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name))
}

func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.Unit{},
		&models.Reading{},
		&models.ManualLog{},
		&models.DoorMaskUsage{},
		&models.AlertRules{},
		&models.NotificationPolicy{},
		&models.ChannelDisablement{},
		&models.Contact{},
		&models.Alert{},
		&models.Delivery{},
		&models.Notice{},
		&models.InAppNotification{},
		&models.IngestKey{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// GetDB returns the database opened by Initialize.
func GetDB() *gorm.DB {
	if db == nil {
		panic("Database not initialized. Call Initialize() first")
	}
	return db
}

// Close closes the database connection
func Close() error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	return sqlDB.Close()
}

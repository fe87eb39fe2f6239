package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/cuebase/cuebase/internal/config"
	"github.com/cuebase/cuebase/internal/logger"
)

var DB *gorm.DB

// Initialize opens the database connection described by the
// configuration and stores it in the package-level handle. Schema
// migration is owned by the modules (see modulemanager.Migrate), not
// by this function.
func Initialize(cfg *config.DatabaseConfig) error {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Type {
	case "postgres":
		db, err = connectPostgres(cfg)
	case "sqlite":
		db, err = connectSQLite(cfg)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	DB = db
	logger.Info("Database initialized type=%s", cfg.Type)
	return nil
}

func connectPostgres(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port)
	}
	return gorm.Open(postgres.Open(dsn), gormConfig(cfg))
}

func connectSQLite(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "cuebase.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL keeps the scanner's writes from starving API reads.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	return gorm.Open(sqlite.Open(dsn), gormConfig(cfg))
}

func gormConfig(cfg *config.DatabaseConfig) *gorm.Config {
	logMode := gormLogger.Silent
	if cfg.LogQueries {
		logMode = gormLogger.Info
	}
	return &gorm.Config{
		Logger: gormLogger.Default.LogMode(logMode),
		// Unique-index violations surface as gorm.ErrDuplicatedKey on
		// both drivers; the job store's dedup depends on telling them
		// apart from other write failures.
		TranslateError: true,
	}
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close releases the underlying connection pool.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

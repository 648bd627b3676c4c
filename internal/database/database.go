package database

import (
	"fmt"
	"log"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and runs migrations. The handle is
// returned rather than stored in a package global; every component takes it
// as a constructor argument.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dialector = postgres.Open(cfg.DBDSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.DBDriver, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Printf("Connected to %s, migrations complete", cfg.DBDriver)
	return db, nil
}

// Migrate creates or updates the engine's tables.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Automation{},
		&models.AutomationExecution{},
		&models.ActionLog{},
		&models.ConversationSession{},
		&models.TimerHandle{},
		&models.Contact{},
		&models.Order{},
		&models.Task{},
		&models.Message{},
	)
	if err != nil {
		return fmt.Errorf("failed to run auto-migration: %w", err)
	}
	return nil
}

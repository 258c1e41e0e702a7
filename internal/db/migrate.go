package db

import (
	"swingalgo/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.User{},
		&models.StrategySet{},
		&models.Script{},
		&models.ScriptArchive{},
	)
}

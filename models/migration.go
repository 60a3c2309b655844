package models

import (
	"log"

	"bitbucket.org/mmdatafocus/directory_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate creates or updates every table the directory uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&District{},
		&LocalUnit{},
		&ChangeLogEntry{},
		&RunHistory{},
	)
}

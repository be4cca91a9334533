package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate runs database migrations for all entities
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&User{},
		&Sucursal{},
		&SucursalConnection{},
		&Folder{},
		&File{},
		&UploadSession{},
		&ErrorLog{},
		&AuditLog{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed successfully")
	return nil
}

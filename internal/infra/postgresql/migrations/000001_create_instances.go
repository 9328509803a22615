package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/repository"
	"gorm.io/gorm"
)

func createInstancesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_instances",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.InstanceModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.InstanceModel{})
		},
	}
}

package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addInstancesBrokerIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_instances_broker_index",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_instances_broker_status ON instances (broker_type, status)`,
				`ALTER TABLE instances ADD CONSTRAINT chk_instances_broker_type CHECK (broker_type IN ('UAZAPI', 'EVOLUTION', 'BAILEYS'))`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`ALTER TABLE instances DROP CONSTRAINT IF EXISTS chk_instances_broker_type`,
				`DROP INDEX IF EXISTS idx_instances_broker_status`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}

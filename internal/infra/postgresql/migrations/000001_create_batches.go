package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/docpipe/batch-engine/internal/repository"
)

func createBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_batches_status_created ON batches (status, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_owner ON batches (owner) WHERE owner <> ''`,
				`CREATE INDEX IF NOT EXISTS idx_batches_scheduled_due ON batches (scheduled_at) WHERE status = 'QUEUED' AND scheduled_at IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}

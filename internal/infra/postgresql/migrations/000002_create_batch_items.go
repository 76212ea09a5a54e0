package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/docpipe/batch-engine/internal/repository"
)

func createBatchItemsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_items",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchItemModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_order ON batch_items (batch_id, processing_order)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_status ON batch_items (batch_id, status)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchItemModel{})
		},
	}
}

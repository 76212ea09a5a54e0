package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/docpipe/batch-engine/internal/repository"
)

func createItemAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_item_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ItemAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_item_attempts_item ON item_attempts (batch_item_id, attempt_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ItemAttemptModel{})
		},
	}
}

// Package migrations holds the ordered schema migrations for the postgres
// store. Each migration lives in its own file and is aggregated here.
package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createBatchesTable(),
		createBatchItemsTable(),
		createItemAttemptsTable(),
	})

	return m.Migrate()
}

package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by this service, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Customer{},
		&Product{}, &ProductVariant{},
		&Order{}, &OrderItem{}, &OrderStatusHistory{},
		&SyncSettings{}, &SyncLog{}, &ImportJob{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product and ProductVariant are owned by the catalog; order sync only reads them.
type Product struct {
	ID         uint            `gorm:"primary_key" json:"id"`
	CompanyId  string          `gorm:"size:64;not null;index:idx_products_company_sku,priority:1;index:idx_products_company_ext,priority:1" json:"company_id"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Sku        string          `gorm:"size:100;index:idx_products_company_sku,priority:2" json:"sku"`
	ExternalId string          `gorm:"size:64;index:idx_products_company_ext,priority:2" json:"external_id"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ProductVariant struct {
	ID         uint            `gorm:"primary_key" json:"id"`
	ProductId  uint            `gorm:"index;not null" json:"product_id"`
	CompanyId  string          `gorm:"size:64;not null;index:idx_variants_company_sku,priority:1;index:idx_variants_company_ext,priority:1" json:"company_id"`
	Sku        string          `gorm:"size:100;index:idx_variants_company_sku,priority:2" json:"sku"`
	ExternalId string          `gorm:"size:64;index:idx_variants_company_ext,priority:2" json:"external_id"`
	Color      string          `gorm:"size:100" json:"color"`
	Size       string          `gorm:"size:100" json:"size"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

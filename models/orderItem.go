package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem keeps denormalized name/price/qty so an unresolved product does
// not lose the line.
type OrderItem struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	OrderId           uint            `gorm:"index;not null" json:"order_id"`
	CompanyId         string          `gorm:"size:64;index;not null" json:"company_id"`
	ProductId         *uint           `gorm:"index" json:"product_id"`
	VariantId         *uint           `gorm:"index" json:"variant_id"`
	ExternalLineId    string          `gorm:"size:64" json:"external_line_id"`
	ExternalProductId string          `gorm:"size:64" json:"external_product_id"`
	Sku               string          `gorm:"size:100" json:"sku"`
	Name              string          `gorm:"size:255" json:"name"`
	Color             string          `gorm:"size:100" json:"color"`
	Size              string          `gorm:"size:100" json:"size"`
	Detail            string          `gorm:"size:255" json:"detail"`
	Quantity          int             `gorm:"not null;default:1" json:"quantity"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	LineTotal         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"line_total"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// OrderStatusHistory is one status transition. Never rewritten.
type OrderStatusHistory struct {
	ID         uint        `gorm:"primary_key" json:"id"`
	OrderId    uint        `gorm:"index;not null" json:"order_id"`
	CompanyId  string      `gorm:"size:64;index;not null" json:"company_id"`
	FromStatus OrderStatus `gorm:"size:20" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:20;not null" json:"to_status"`
	Source     string      `gorm:"size:30;not null" json:"source"`
	Note       string      `gorm:"type:text" json:"note"`
	CreatedAt  time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (OrderStatusHistory) TableName() string {
	return "order_status_histories"
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a local sales order. External* columns link it to the remote store;
// they stay nil for orders that have never been synced.
type Order struct {
	ID          uint        `gorm:"primary_key" json:"id"`
	CompanyId   string      `gorm:"size:64;not null;uniqueIndex:idx_orders_company_number,priority:1;uniqueIndex:idx_orders_company_external,priority:1" json:"company_id"`
	OrderNumber string      `gorm:"size:64;not null;uniqueIndex:idx_orders_company_number,priority:2" json:"order_number"`
	Status      OrderStatus `gorm:"size:20;not null;index" json:"status"`
	CustomerId  *uint       `gorm:"index" json:"customer_id"`
	Customer    *Customer   `gorm:"foreignKey:CustomerId" json:"customer,omitempty"`

	ExternalId         *string    `gorm:"size:64;uniqueIndex:idx_orders_company_external,priority:2" json:"external_id"`
	ExternalOrderKey   *string    `gorm:"size:100" json:"external_order_key"`
	ExternalStatus     *string    `gorm:"size:50" json:"external_status"`
	SyncedFromExternal bool       `gorm:"not null;default:false" json:"synced_from_external"`
	SyncedToExternal   bool       `gorm:"not null;default:false" json:"synced_to_external"`
	LastSyncAt         *time.Time `json:"last_sync_at"`

	Currency    string          `gorm:"size:10" json:"currency"`
	Subtotal    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	ShippingFee decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_fee"`
	Discount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Tax         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	Total       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`

	// snapshot at sync time, not a live reference
	CustomerName     string `gorm:"size:255" json:"customer_name"`
	CustomerEmail    string `gorm:"size:255" json:"customer_email"`
	CustomerPhone    string `gorm:"size:50" json:"customer_phone"`
	ShippingAddress  string `gorm:"type:text" json:"shipping_address"`
	ShippingCity     string `gorm:"size:100" json:"shipping_city"`
	ShippingState    string `gorm:"size:100" json:"shipping_state"`
	ShippingPostcode string `gorm:"size:20" json:"shipping_postcode"`
	ShippingCountry  string `gorm:"size:10" json:"shipping_country"`
	PaymentMethod    string `gorm:"size:100" json:"payment_method"`
	Notes            string `gorm:"type:text" json:"notes"`

	OrderedAt time.Time   `json:"ordered_at"`
	Items     []OrderItem `gorm:"foreignKey:OrderId" json:"items,omitempty"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExternalIdValue returns the linked remote id or "".
func (o *Order) ExternalIdValue() string {
	if o == nil || o.ExternalId == nil {
		return ""
	}
	return *o.ExternalId
}

// TotalsBalance reports whether total == subtotal + shipping + tax - discount
// within a cent.
func (o *Order) TotalsBalance() bool {
	expected := o.Subtotal.Add(o.ShippingFee).Add(o.Tax).Sub(o.Discount)
	return expected.Sub(o.Total).Abs().LessThanOrEqual(decimal.NewFromFloat(0.01))
}

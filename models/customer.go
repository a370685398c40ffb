package models

import "time"

// Customer is resolved by (company, email) then (company, phone). Neither is
// unique: remote data often lacks one of them.
type Customer struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	CompanyId  string    `gorm:"size:64;not null;index:idx_customers_company_email,priority:1;index:idx_customers_company_phone,priority:1" json:"company_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Email      string    `gorm:"size:255;index:idx_customers_company_email,priority:2" json:"email"`
	Phone      string    `gorm:"size:50;index:idx_customers_company_phone,priority:2" json:"phone"`
	Address    string    `gorm:"type:text" json:"address"`
	City       string    `gorm:"size:100" json:"city"`
	Country    string    `gorm:"size:10" json:"country"`
	Source     string    `gorm:"size:30" json:"source"`
	ExternalId string    `gorm:"size:64" json:"external_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const PlaceholderCustomerName = "Guest Customer"

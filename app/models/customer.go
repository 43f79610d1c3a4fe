package models

import "time"

// Customer is a billable end customer owned by a project. Subscriptions
// reference customers; customers never reference subscriptions directly.
type Customer struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ProjectID       string    `gorm:"type:varchar(36);not null;index" json:"project_id"`
	Name            string    `gorm:"type:varchar(191);not null" json:"name"`
	Email           string    `gorm:"type:varchar(191);not null;index" json:"email"`
	DefaultCurrency string    `gorm:"type:varchar(3);not null;default:'USD'" json:"default_currency"`
	Timezone        string    `gorm:"type:varchar(64);not null;default:'UTC'" json:"timezone"`
	Active          bool      `gorm:"default:true;index" json:"active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

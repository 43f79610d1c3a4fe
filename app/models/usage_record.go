package models

import "time"

// UsageRecord is the persisted per-month consumption bucket for one
// subscription item. Usage is only ever incremented additively; the unique
// index makes the (item, year, month) bucket the single row concurrent
// reporters race on.
type UsageRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	SubscriptionItemID string    `gorm:"type:varchar(36);not null;index:ux_usage_item_period,unique,priority:1" json:"subscription_item_id"`
	CustomerID         string    `gorm:"type:varchar(36);not null;index" json:"customer_id"`
	FeatureSlug        string    `gorm:"type:varchar(191);not null;index" json:"feature_slug"`
	Year               int       `gorm:"not null;index:ux_usage_item_period,unique,priority:2" json:"year"`
	Month              int       `gorm:"not null;index:ux_usage_item_period,unique,priority:3" json:"month"`
	Usage              int64     `gorm:"column:usage;not null;default:0" json:"usage"`
	LimitValue         *int64    `gorm:"default:null" json:"limit_value,omitempty"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

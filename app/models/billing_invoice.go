package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceStatusDraft  = "draft"
	InvoiceStatusOpen   = "open"
	InvoiceStatusPaid   = "paid"
	InvoiceStatusVoided = "voided"
	InvoiceStatusUnpaid = "unpaid"
)

const (
	InvoiceTypeFlat   = "flat"
	InvoiceTypeUsage  = "usage"
	InvoiceTypeHybrid = "hybrid"
)

// BillingCycleInvoice is the invoice emitted for exactly one billing cycle of
// a subscription. The unique index over (subscription_id, cycle_start_at,
// cycle_end_at) is the real dedupe against duplicate task execution.
type BillingCycleInvoice struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriptionID string          `gorm:"type:varchar(36);not null;index:ux_invoices_sub_cycle,unique,priority:1" json:"subscription_id"`
	CustomerID     string          `gorm:"type:varchar(36);not null;index" json:"customer_id"`
	CycleStartAt   time.Time       `gorm:"not null;index:ux_invoices_sub_cycle,unique,priority:2" json:"cycle_start_at"`
	CycleEndAt     time.Time       `gorm:"not null;index:ux_invoices_sub_cycle,unique,priority:3" json:"cycle_end_at"`
	DueAt          time.Time       `gorm:"not null" json:"due_at"`
	Status         string          `gorm:"type:varchar(16);not null;default:'draft';index" json:"status"`
	Type           string          `gorm:"type:varchar(16);not null;default:'hybrid'" json:"type"`
	Total          decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"total"`
	Currency       string          `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Prorated       bool            `gorm:"default:false" json:"prorated"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

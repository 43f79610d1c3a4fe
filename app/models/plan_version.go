package models

import "time"

const (
	BillingPeriodDay   = "day"
	BillingPeriodWeek  = "week"
	BillingPeriodMonth = "month"
	BillingPeriodYear  = "year"
)

const (
	WhenToBillPayInAdvance = "pay_in_advance"
	WhenToBillPayInArrear  = "pay_in_arrear"
)

// StartCycleAnchorDay means the billing cycle boundary follows the day of
// month of the subscription's own anchor instead of a fixed day.
const StartCycleAnchorDay = 0

// PlanVersion is an immutable, versioned snapshot of a plan's pricing and
// billing configuration. Subscription phases bind to exactly one version.
type PlanVersion struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ProjectID       string    `gorm:"type:varchar(36);not null;index:idx_plan_versions_project_default,priority:1" json:"project_id"`
	PlanSlug        string    `gorm:"type:varchar(191);not null;index" json:"plan_slug"`
	Version         int       `gorm:"not null;default:1" json:"version"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	BillingPeriod   string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_period"`
	WhenToBill      string    `gorm:"type:varchar(16);not null;default:'pay_in_advance'" json:"when_to_bill"`
	StartCycle      int       `gorm:"not null;default:0" json:"start_cycle"`
	GracePeriodDays int       `gorm:"not null;default:3" json:"grace_period_days"`
	TrialDays       int       `gorm:"not null;default:0" json:"trial_days"`
	IsDefault       bool      `gorm:"default:false;index:idx_plan_versions_project_default,priority:2" json:"is_default"`
	Active          bool      `gorm:"default:true;index" json:"active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

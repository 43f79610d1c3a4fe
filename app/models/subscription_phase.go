package models

import "time"

// SubscriptionPhase is a time-bounded segment of a subscription bound to one
// plan version. Phases of a subscription are ordered and non-overlapping; at
// most one phase is active for any instant.
type SubscriptionPhase struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriptionID string     `gorm:"type:varchar(36);not null;index" json:"subscription_id"`
	PlanVersionID  string     `gorm:"type:varchar(36);not null;index" json:"plan_version_id"`
	StartAt        time.Time  `gorm:"not null;index" json:"start_at"`
	EndAt          *time.Time `gorm:"default:null" json:"end_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveAt reports whether the phase covers the given instant.
func (p *SubscriptionPhase) ActiveAt(at time.Time) bool {
	if at.Before(p.StartAt) {
		return false
	}
	return p.EndAt == nil || at.Before(*p.EndAt)
}

// SubscriptionItem binds one plan-version feature to a phase with a
// purchased quantity. The feature slug, type, aggregation and limit are
// denormalized so the cached entitlement projection needs no extra joins.
type SubscriptionItem struct {
	ID                   string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	PhaseID              string    `gorm:"type:varchar(36);not null;index" json:"phase_id"`
	SubscriptionID       string    `gorm:"type:varchar(36);not null;index" json:"subscription_id"`
	PlanVersionFeatureID string    `gorm:"type:varchar(36);not null" json:"plan_version_feature_id"`
	FeatureSlug          string    `gorm:"type:varchar(191);not null;index" json:"feature_slug"`
	FeatureType          string    `gorm:"type:varchar(16);not null" json:"feature_type"`
	AggregationMethod    string    `gorm:"type:varchar(16);not null;default:'sum'" json:"aggregation_method"`
	LimitValue           *int64    `gorm:"default:null" json:"limit_value,omitempty"`
	Units                int64     `gorm:"not null;default:1" json:"units"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package entitlements

import "time"

// Entitlement is one feature a customer currently has access to, derived
// from the active subscription phase. It is cached, never persisted.
type Entitlement struct {
	FeatureSlug       string `json:"feature_slug"`
	FeatureType       string `json:"feature_type"`
	AggregationMethod string `json:"aggregation_method"`
	LimitValue        *int64 `json:"limit_value,omitempty"`
	Units             int64  `json:"units"`
}

// SubscriptionItemCached is the flattened projection of an active
// subscription item, shaped for the per-(customer, feature) cache namespace.
type SubscriptionItemCached struct {
	SubscriptionItemID   string     `json:"subscription_item_id"`
	SubscriptionID       string     `json:"subscription_id"`
	PhaseID              string     `json:"phase_id"`
	PlanVersionFeatureID string     `json:"plan_version_feature_id"`
	SubscriptionStatus   string     `json:"subscription_status"`
	TrialEndsAt          *time.Time `json:"trial_ends_at,omitempty"`
	FeatureSlug          string     `json:"feature_slug"`
	FeatureType          string     `json:"feature_type"`
	AggregationMethod    string     `json:"aggregation_method"`
	LimitValue           *int64     `json:"limit_value,omitempty"`
	Units                int64      `json:"units"`
}

// Entitlement converts the projection to its cached entitlement form.
func (c SubscriptionItemCached) Entitlement() Entitlement {
	return Entitlement{
		FeatureSlug:       c.FeatureSlug,
		FeatureType:       c.FeatureType,
		AggregationMethod: c.AggregationMethod,
		LimitValue:        c.LimitValue,
		Units:             c.Units,
	}
}

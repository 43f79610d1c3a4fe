package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	FeatureTypeFlat    = "flat"
	FeatureTypeUsage   = "usage"
	FeatureTypeTier    = "tier"
	FeatureTypePackage = "package"
)

const (
	AggregationSum   = "sum"
	AggregationCount = "count"
	AggregationMax   = "max"
	AggregationLast  = "last"
)

// PlanVersionFeature configures one feature inside a plan version. The
// pricing config is a closed union keyed by FeatureType: exactly one of the
// config variants is populated.
type PlanVersionFeature struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	PlanVersionID     string    `gorm:"type:varchar(36);not null;index:ux_pvf_version_feature,unique,priority:1" json:"plan_version_id"`
	FeatureID         string    `gorm:"type:varchar(36);not null;index:ux_pvf_version_feature,unique,priority:2" json:"feature_id"`
	FeatureSlug       string    `gorm:"type:varchar(191);not null;index" json:"feature_slug"`
	FeatureType       string    `gorm:"type:varchar(16);not null" json:"feature_type"`
	AggregationMethod string    `gorm:"type:varchar(16);not null;default:'sum'" json:"aggregation_method"`
	LimitValue        *int64    `gorm:"default:null" json:"limit_value,omitempty"`
	ConfigJSON        string    `gorm:"type:text" json:"config_json"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FlatConfig prices a feature as a fixed amount per cycle, usage-independent.
type FlatConfig struct {
	Price decimal.Decimal `json:"price"`
}

// UsageConfig prices every recorded unit at a flat unit price.
type UsageConfig struct {
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// PriceTier is one step of a tiered price: units up to UpTo (inclusive) cost
// UnitPrice each. A nil UpTo marks the unbounded final tier.
type PriceTier struct {
	UpTo      *int64          `json:"up_to,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// TierConfig prices usage through ordered graduated tiers.
type TierConfig struct {
	Tiers []PriceTier `json:"tiers"`
}

// PackageConfig prices usage in fixed-size packages, rounding up.
type PackageConfig struct {
	UnitsPerPackage int64           `json:"units_per_package"`
	PackagePrice    decimal.Decimal `json:"package_price"`
}

// FeatureConfig is the decoded pricing config union.
type FeatureConfig struct {
	Flat    *FlatConfig
	Usage   *UsageConfig
	Tier    *TierConfig
	Package *PackageConfig
}

// Config decodes ConfigJSON into the variant selected by FeatureType.
func (f *PlanVersionFeature) Config() (FeatureConfig, error) {
	var cfg FeatureConfig
	raw := []byte(f.ConfigJSON)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch f.FeatureType {
	case FeatureTypeFlat:
		cfg.Flat = &FlatConfig{}
		return cfg, json.Unmarshal(raw, cfg.Flat)
	case FeatureTypeUsage:
		cfg.Usage = &UsageConfig{}
		return cfg, json.Unmarshal(raw, cfg.Usage)
	case FeatureTypeTier:
		cfg.Tier = &TierConfig{}
		return cfg, json.Unmarshal(raw, cfg.Tier)
	case FeatureTypePackage:
		cfg.Package = &PackageConfig{}
		return cfg, json.Unmarshal(raw, cfg.Package)
	default:
		return cfg, fmt.Errorf("unknown feature type %q", f.FeatureType)
	}
}

// IsMetered reports whether the feature type records usage at all.
func IsMetered(featureType string) bool {
	switch featureType {
	case FeatureTypeUsage, FeatureTypeTier, FeatureTypePackage:
		return true
	default:
		return false
	}
}

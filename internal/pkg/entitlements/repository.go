package entitlements

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
)

// Repository provides the origin query behind the entitlement caches.
type Repository interface {
	// ActiveSubscriptionItems returns the items of every phase active at the
	// given instant for the customer, restricted to entitling statuses.
	ActiveSubscriptionItems(ctx context.Context, customerID, projectID string, at time.Time) ([]SubscriptionItemCached, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlement repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ActiveSubscriptionItems(ctx context.Context, customerID, projectID string, at time.Time) ([]SubscriptionItemCached, error) {
	var rows []SubscriptionItemCached
	err := r.db.WithContext(ctx).
		Table("subscription_items AS si").
		Select(`si.id AS subscription_item_id,
			si.subscription_id,
			si.phase_id,
			si.plan_version_feature_id,
			s.status AS subscription_status,
			s.trial_ends_at,
			si.feature_slug,
			si.feature_type,
			si.aggregation_method,
			si.limit_value,
			si.units`).
		Joins("JOIN subscription_phases AS sp ON sp.id = si.phase_id").
		Joins("JOIN subscriptions AS s ON s.id = sp.subscription_id").
		Where("s.customer_id = ? AND s.project_id = ?", customerID, projectID).
		Where("s.status IN ?", models.EntitlingStatuses()).
		Where("sp.start_at <= ? AND (sp.end_at IS NULL OR sp.end_at > ?)", at, at).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

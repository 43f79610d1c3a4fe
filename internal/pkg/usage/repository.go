package usage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
)

// Repository persists usage buckets. Increments are additive and
// commutative, so concurrent reporters need no ordering beyond the single
// transaction per increment.
type Repository interface {
	// IncrementUsage adds rec.Usage to the (item, year, month) bucket,
	// creating it if absent. Never overwrites.
	IncrementUsage(ctx context.Context, rec models.UsageRecord) error
	// SnapshotUsage overwrites the bucket with an absolute value computed
	// from the analytics aggregate (self-healing write-back).
	SnapshotUsage(ctx context.Context, rec models.UsageRecord) error
	// GetUsage returns the persisted bucket, if any.
	GetUsage(ctx context.Context, subscriptionItemID string, year, month int) (*models.UsageRecord, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a usage repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) IncrementUsage(ctx context.Context, rec models.UsageRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscription_item_id"},
			{Name: "year"},
			{Name: "month"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"usage":      gorm.Expr("`usage` + ?", rec.Usage),
			"updated_at": time.Now(),
		}),
	}).Create(&rec).Error
}

func (r *gormRepository) SnapshotUsage(ctx context.Context, rec models.UsageRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscription_item_id"},
			{Name: "year"},
			{Name: "month"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"usage":       rec.Usage,
			"limit_value": rec.LimitValue,
			"updated_at":  time.Now(),
		}),
	}).Create(&rec).Error
}

func (r *gormRepository) GetUsage(ctx context.Context, subscriptionItemID string, year, month int) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("subscription_item_id = ? AND year = ? AND month = ?", subscriptionItemID, year, month).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

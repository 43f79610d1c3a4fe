package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
)

// Repository provides DB operations used by the state machine and the
// billing tasks. Transact runs fn against a transaction-scoped repository;
// GetSubscriptionForUpdate takes a row lock and is only meaningful inside
// Transact.
type Repository interface {
	Transact(ctx context.Context, fn func(Repository) error) error

	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, id string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error

	GetPhase(ctx context.Context, id string) (*models.SubscriptionPhase, error)
	CreatePhase(ctx context.Context, phase *models.SubscriptionPhase, items []models.SubscriptionItem) error
	ClosePhase(ctx context.Context, phaseID string, endAt time.Time) error
	ListPhaseItems(ctx context.Context, phaseID string) ([]models.SubscriptionItem, error)

	GetPlanVersion(ctx context.Context, id string) (*models.PlanVersion, error)
	FindDefaultPlanVersion(ctx context.Context, projectID string) (*models.PlanVersion, error)
	ListPlanVersionFeatures(ctx context.Context, planVersionID string) ([]models.PlanVersionFeature, error)

	// CreateInvoiceIfAbsent inserts the invoice unless one already exists for
	// its (subscription, cycle start, cycle end) triple. Reports whether the
	// row was created.
	CreateInvoiceIfAbsent(ctx context.Context, inv *models.BillingCycleInvoice) (bool, error)

	GetUsage(ctx context.Context, subscriptionItemID string, year, month int) (*models.UsageRecord, error)

	ListInvoiceDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListCancelDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListPastDueElapsed(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transact(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionForUpdate(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) GetPhase(ctx context.Context, id string) (*models.SubscriptionPhase, error) {
	var phase models.SubscriptionPhase
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&phase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &phase, nil
}

func (r *gormRepository) CreatePhase(ctx context.Context, phase *models.SubscriptionPhase, items []models.SubscriptionItem) error {
	if err := r.db.WithContext(ctx).Create(phase).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *gormRepository) ClosePhase(ctx context.Context, phaseID string, endAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.SubscriptionPhase{}).
		Where("id = ?", phaseID).
		Update("end_at", endAt).Error
}

func (r *gormRepository) ListPhaseItems(ctx context.Context, phaseID string) ([]models.SubscriptionItem, error) {
	var items []models.SubscriptionItem
	err := r.db.WithContext(ctx).Where("phase_id = ?", phaseID).Find(&items).Error
	return items, err
}

func (r *gormRepository) GetPlanVersion(ctx context.Context, id string) (*models.PlanVersion, error) {
	var pv models.PlanVersion
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

func (r *gormRepository) FindDefaultPlanVersion(ctx context.Context, projectID string) (*models.PlanVersion, error) {
	var pv models.PlanVersion
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_default = ? AND active = ?", projectID, true, true).
		Order("version DESC").
		First(&pv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

func (r *gormRepository) ListPlanVersionFeatures(ctx context.Context, planVersionID string) ([]models.PlanVersionFeature, error) {
	var features []models.PlanVersionFeature
	err := r.db.WithContext(ctx).Where("plan_version_id = ?", planVersionID).Find(&features).Error
	return features, err
}

func (r *gormRepository) CreateInvoiceIfAbsent(ctx context.Context, inv *models.BillingCycleInvoice) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscription_id"},
			{Name: "cycle_start_at"},
			{Name: "cycle_end_at"},
		},
		DoNothing: true,
	}).Create(inv)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetUsage(ctx context.Context, subscriptionItemID string, year, month int) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("subscription_item_id = ? AND year = ? AND month = ?", subscriptionItemID, year, month).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListInvoiceDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("next_invoice_at IS NOT NULL AND next_invoice_at <= ?", now).
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListCancelDue(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("cancel_at IS NOT NULL AND cancel_at <= ?", now).
		Where("status NOT IN ?", []string{models.SubscriptionStatusCanceled, models.SubscriptionStatusEnded}).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListPastDueElapsed(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND past_due_at IS NOT NULL AND past_due_at <= ?", models.SubscriptionStatusPastDue, now).
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

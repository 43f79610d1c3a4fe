package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/analytics"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
)

// ReportUsageInput is one consumption report. IdempotenceKey collapses
// duplicate deliveries of the same report into a single effect.
type ReportUsageInput struct {
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Usage          int64
	At             time.Time
	IdempotenceKey string
}

// ReportUsageResult is the stored outcome of a report; duplicates receive
// the same result without re-incrementing.
type ReportUsageResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// CurrentUsage is the cached current-period bucket for one feature.
type CurrentUsage struct {
	SubscriptionItemID string    `json:"subscription_item_id"`
	CustomerID         string    `json:"customer_id"`
	FeatureSlug        string    `json:"feature_slug"`
	Year               int       `json:"year"`
	Month              int       `json:"month"`
	Usage              int64     `json:"usage"`
	LimitValue         *int64    `json:"limit_value,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Meter records and aggregates consumption. The write path is fail-open on
// over-limit and negative deltas; denial belongs to the read path.
type Meter struct {
	repo      Repository
	ents      *entitlements.Service
	analytics analytics.Store
	cache     *cache.Store
	tasks     cache.Submitter

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func NewMeter(repo Repository, ents *entitlements.Service, store analytics.Store, c *cache.Store, tasks cache.Submitter) *Meter {
	return &Meter{
		repo:      repo,
		ents:      ents,
		analytics: store,
		cache:     c,
		tasks:     tasks,
		Clock:     time.Now,
	}
}

func idempotenceHash(customerID, featureSlug string, usage int64, key string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", customerID, featureSlug, usage, key)))
	return hex.EncodeToString(sum[:])
}

func usageCacheKey(customerID, featureSlug string, year, month int) string {
	return fmt.Sprintf("%s:%s:%04d-%02d", customerID, featureSlug, year, month)
}

// ReportUsage increments the persisted bucket for the report's period and
// schedules the analytics ingest plus cache update off the request path.
func (m *Meter) ReportUsage(ctx context.Context, in ReportUsageInput) (ReportUsageResult, error) {
	item, err := m.ents.GetCustomerFeature(ctx, in.CustomerID, in.ProjectID, in.FeatureSlug)
	if err != nil {
		return ReportUsageResult{}, errs.NewFetchError("report usage: resolve feature", err)
	}
	if item == nil {
		return ReportUsageResult{}, errs.NewCustomerError(errs.CodeFeatureNotFoundInSubscription,
			"feature %s is not part of customer %s's subscription", in.FeatureSlug, in.CustomerID)
	}

	// Flat features are flags; there is nothing to meter.
	if !models.IsMetered(item.FeatureType) {
		return ReportUsageResult{Success: true}, nil
	}

	var hash string
	if in.IdempotenceKey != "" {
		hash = idempotenceHash(in.CustomerID, in.FeatureSlug, in.Usage, in.IdempotenceKey)
		if stored, ok := cache.GetJSON[ReportUsageResult](ctx, m.cache, cache.NamespaceIdempotentUsage, hash); ok {
			return stored, nil
		}
	}

	if in.Usage < 0 {
		log.Warnf("[UsageMeter] Negative usage %d reported for customer=%s feature=%s", in.Usage, in.CustomerID, in.FeatureSlug)
	}
	if item.LimitValue != nil {
		key := usageCacheKey(in.CustomerID, in.FeatureSlug, in.At.Year(), int(in.At.Month()))
		total, known := int64(0), false
		if current, ok := cache.GetJSON[CurrentUsage](ctx, m.cache, cache.NamespaceCurrentUsage, key); ok {
			total, known = current.Usage, true
		} else if rec, err := m.repo.GetUsage(ctx, item.SubscriptionItemID, in.At.Year(), int(in.At.Month())); err == nil {
			total, known = rec.Usage, true
		}
		if known && total+in.Usage > *item.LimitValue {
			log.Warnf("[UsageMeter] Over-limit usage for customer=%s feature=%s: %d+%d > %d",
				in.CustomerID, in.FeatureSlug, total, in.Usage, *item.LimitValue)
		}
	}

	rec := models.UsageRecord{
		SubscriptionItemID: item.SubscriptionItemID,
		CustomerID:         in.CustomerID,
		FeatureSlug:        in.FeatureSlug,
		Year:               in.At.Year(),
		Month:              int(in.At.Month()),
		Usage:              in.Usage,
		LimitValue:         item.LimitValue,
	}

	// Only successful outcomes are cached under the idempotence hash: a
	// failed write must stay retryable with the same key.
	result := ReportUsageResult{Success: true}
	if err := m.repo.IncrementUsage(ctx, rec); err != nil {
		return ReportUsageResult{Success: false, Message: "usage write failed"}, errs.NewFetchError("report usage: increment", err)
	}
	if hash != "" {
		cache.SetJSON(ctx, m.cache, cache.NamespaceIdempotentUsage, hash, result)
	}

	itemCopy := *item
	m.tasks.Submit("usage-ingest "+in.CustomerID+":"+in.FeatureSlug, func() {
		bg := context.Background()
		ev := analytics.FeatureUsageEvent{
			CustomerID:     in.CustomerID,
			ProjectID:      in.ProjectID,
			FeatureSlug:    in.FeatureSlug,
			SubscriptionID: itemCopy.SubscriptionID,
			Usage:          in.Usage,
			Timestamp:      in.At,
		}
		if err := m.analytics.IngestFeatureUsage(bg, ev); err != nil {
			log.Warnf("[UsageMeter] Analytics ingest failed for customer=%s feature=%s: %v", in.CustomerID, in.FeatureSlug, err)
		}
		if _, err := m.refreshCurrentUsage(bg, &itemCopy, in.CustomerID, in.FeatureSlug, in.At.Year(), int(in.At.Month())); err != nil {
			log.Warnf("[UsageMeter] Current-usage refresh failed for customer=%s feature=%s: %v", in.CustomerID, in.FeatureSlug, err)
		}
	})

	return result, nil
}

// GetCurrentUsage returns the bucket for the period, cache-first with the
// analytics aggregate as origin. Computing the origin also persists the
// aggregate back to the relational row, keeping cache and store in sync.
func (m *Meter) GetCurrentUsage(ctx context.Context, customerID, projectID, featureSlug string, year, month int) (*CurrentUsage, error) {
	key := usageCacheKey(customerID, featureSlug, year, month)
	current, err := cache.SWRJSON(ctx, m.cache, cache.NamespaceCurrentUsage, key,
		func(ctx context.Context) (CurrentUsage, error) {
			item, err := m.ents.GetCustomerFeature(ctx, customerID, projectID, featureSlug)
			if err != nil {
				return CurrentUsage{}, err
			}
			if item == nil {
				return CurrentUsage{}, errs.NewCustomerError(errs.CodeFeatureNotFoundInSubscription,
					"feature %s is not part of customer %s's subscription", featureSlug, customerID)
			}
			return m.computeCurrentUsage(ctx, item, customerID, featureSlug, year, month)
		})
	if err != nil {
		return nil, err
	}
	return &current, nil
}

// refreshCurrentUsage bypasses SWR and overwrites the cached bucket; the
// async post-report path uses it so the next read sees the new total.
func (m *Meter) refreshCurrentUsage(ctx context.Context, item *entitlements.SubscriptionItemCached, customerID, featureSlug string, year, month int) (CurrentUsage, error) {
	current, err := m.computeCurrentUsage(ctx, item, customerID, featureSlug, year, month)
	if err != nil {
		return CurrentUsage{}, err
	}
	cache.SetJSON(ctx, m.cache, cache.NamespaceCurrentUsage, usageCacheKey(customerID, featureSlug, year, month), current)
	return current, nil
}

func (m *Meter) computeCurrentUsage(ctx context.Context, item *entitlements.SubscriptionItemCached, customerID, featureSlug string, year, month int) (CurrentUsage, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	agg, err := m.analytics.GetUsageFeature(ctx, customerID, featureSlug, start, end)
	if err != nil {
		return CurrentUsage{}, errs.NewFetchError("current usage: analytics query", err)
	}

	current := CurrentUsage{
		SubscriptionItemID: item.SubscriptionItemID,
		CustomerID:         customerID,
		FeatureSlug:        featureSlug,
		Year:               year,
		Month:              month,
		Usage:              agg.Value(item.AggregationMethod),
		LimitValue:         item.LimitValue,
		UpdatedAt:          m.Clock(),
	}

	rec := models.UsageRecord{
		SubscriptionItemID: item.SubscriptionItemID,
		CustomerID:         customerID,
		FeatureSlug:        featureSlug,
		Year:               year,
		Month:              month,
		Usage:              current.Usage,
		LimitValue:         item.LimitValue,
	}
	if err := m.repo.SnapshotUsage(ctx, rec); err != nil {
		// The cache still gets the aggregate; the row heals on the next read.
		log.Warnf("[UsageMeter] Usage snapshot write-back failed for customer=%s feature=%s: %v", customerID, featureSlug, err)
	}
	return current, nil
}

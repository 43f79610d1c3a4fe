package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/analytics"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/usage"
)

type fakeEntitlementRepo struct {
	items []entitlements.SubscriptionItemCached
}

func (f *fakeEntitlementRepo) ActiveSubscriptionItems(context.Context, string, string, time.Time) ([]entitlements.SubscriptionItemCached, error) {
	return f.items, nil
}

type fakeUsageRepo struct{}

func (fakeUsageRepo) IncrementUsage(context.Context, models.UsageRecord) error { return nil }
func (fakeUsageRepo) SnapshotUsage(context.Context, models.UsageRecord) error  { return nil }
func (fakeUsageRepo) GetUsage(context.Context, string, int, int) (*models.UsageRecord, error) {
	return nil, errors.New("not found")
}

type runNowSubmitter struct{}

func (runNowSubmitter) Submit(_ string, fn func()) bool {
	fn()
	return true
}

type fakeActivator struct {
	mu   sync.Mutex
	subs []string
}

func (f *fakeActivator) ActivateTrial(_ context.Context, subscriptionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subscriptionID)
	return nil
}

func (f *fakeActivator) activated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

// brokenAnalytics fails range queries so the usage lookup path degrades.
type brokenAnalytics struct {
	*analytics.MemoryStore
}

func (brokenAnalytics) GetUsageFeature(context.Context, string, string, time.Time, time.Time) (analytics.Aggregate, error) {
	return analytics.Aggregate{}, errors.New("analytics unavailable")
}

func item(slug, featureType string, status string, limit *int64, trialEndsAt *time.Time) entitlements.SubscriptionItemCached {
	return entitlements.SubscriptionItemCached{
		SubscriptionItemID: "item-" + slug,
		SubscriptionID:     "sub-1",
		PhaseID:            "phase-1",
		SubscriptionStatus: status,
		TrialEndsAt:        trialEndsAt,
		FeatureSlug:        slug,
		FeatureType:        featureType,
		AggregationMethod:  models.AggregationSum,
		LimitValue:         limit,
		Units:              1,
	}
}

func testGuard(events analytics.Store, activator TrialActivator, items ...entitlements.SubscriptionItemCached) *Guard {
	store := cache.NewStore(runNowSubmitter{}, cache.NewMemoryTier(256, time.Hour))
	ents := entitlements.NewService(&fakeEntitlementRepo{items: items}, store)
	meter := usage.NewMeter(fakeUsageRepo{}, ents, events, store, runNowSubmitter{})
	return NewGuard(ents, meter, events, runNowSubmitter{}, activator)
}

func int64p(v int64) *int64 { return &v }

func TestVerifyFeatureFlatAllows(t *testing.T) {
	events := analytics.NewMemoryStore()
	g := testGuard(events, nil, item("seats", models.FeatureTypeFlat, models.SubscriptionStatusActive, nil, nil))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "seats", "proj-1", time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Access)
	assert.Empty(t, decision.DeniedReason)
	assert.Nil(t, decision.CurrentUsage)

	recorded := events.Verifications()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Access)
	assert.Equal(t, "seats", recorded[0].FeatureSlug)
}

func TestVerifyFeatureMeteredUnderLimit(t *testing.T) {
	events := analytics.NewMemoryStore()
	at := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, events.IngestFeatureUsage(context.Background(), analytics.FeatureUsageEvent{
		CustomerID:  "cust-1",
		FeatureSlug: "api-calls",
		Usage:       60,
		Timestamp:   at,
	}))
	g := testGuard(events, nil, item("api-calls", models.FeatureTypeUsage, models.SubscriptionStatusActive, int64p(100), nil))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "api-calls", "proj-1", at)
	require.NoError(t, err)
	assert.True(t, decision.Access)
	require.NotNil(t, decision.CurrentUsage)
	assert.Equal(t, int64(60), *decision.CurrentUsage)
	require.NotNil(t, decision.Remaining)
	assert.Equal(t, int64(40), *decision.Remaining)
}

func TestVerifyFeatureUsageExceeded(t *testing.T) {
	events := analytics.NewMemoryStore()
	at := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, events.IngestFeatureUsage(context.Background(), analytics.FeatureUsageEvent{
		CustomerID:  "cust-1",
		FeatureSlug: "api-calls",
		Usage:       100,
		Timestamp:   at,
	}))
	g := testGuard(events, nil, item("api-calls", models.FeatureTypeUsage, models.SubscriptionStatusActive, int64p(100), nil))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "api-calls", "proj-1", at)
	require.NoError(t, err)
	assert.False(t, decision.Access)
	assert.Equal(t, DeniedUsageExceeded, decision.DeniedReason)
	require.NotNil(t, decision.Remaining)
	assert.Equal(t, int64(0), *decision.Remaining)
}

func TestVerifyFeatureNotInSubscription(t *testing.T) {
	events := analytics.NewMemoryStore()
	g := testGuard(events, nil, item("seats", models.FeatureTypeFlat, models.SubscriptionStatusActive, nil, nil))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "ghost", "proj-1", time.Now())
	require.NoError(t, err)
	assert.False(t, decision.Access)
	assert.Equal(t, DeniedFeatureNotFound, decision.DeniedReason)

	// Denials are recorded too.
	recorded := events.Verifications()
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Access)
	assert.Equal(t, string(DeniedFeatureNotFound), recorded[0].DeniedReason)
}

func TestVerifyFeatureDegradedUsageLookup(t *testing.T) {
	events := brokenAnalytics{analytics.NewMemoryStore()}
	g := testGuard(events, nil, item("api-calls", models.FeatureTypeUsage, models.SubscriptionStatusActive, int64p(100), nil))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "api-calls", "proj-1", time.Now())
	require.NoError(t, err)
	assert.False(t, decision.Access)
	assert.Equal(t, DeniedNoUsageRecord, decision.DeniedReason)
}

func TestVerifyFeatureStrictMapsDenialsToErrors(t *testing.T) {
	events := analytics.NewMemoryStore()
	at := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, events.IngestFeatureUsage(context.Background(), analytics.FeatureUsageEvent{
		CustomerID:  "cust-1",
		FeatureSlug: "api-calls",
		Usage:       150,
		Timestamp:   at,
	}))
	g := testGuard(events, nil,
		item("api-calls", models.FeatureTypeUsage, models.SubscriptionStatusActive, int64p(100), nil))

	_, err := g.VerifyFeatureStrict(context.Background(), "cust-1", "api-calls", "proj-1", at)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUsageExceeded))

	_, err = g.VerifyFeatureStrict(context.Background(), "cust-1", "ghost", "proj-1", at)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeFeatureNotFoundInSubscription))
}

func TestVerifyFeatureActivatesExpiredTrial(t *testing.T) {
	trialEnd := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	activator := &fakeActivator{}
	g := testGuard(analytics.NewMemoryStore(), activator,
		item("seats", models.FeatureTypeFlat, models.SubscriptionStatusTrialing, nil, &trialEnd))

	decision, err := g.VerifyFeature(context.Background(), "cust-1", "seats", "proj-1", trialEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, decision.Access)
	assert.Equal(t, []string{"sub-1"}, activator.activated())
}

func TestVerifyFeatureLeavesRunningTrialAlone(t *testing.T) {
	trialEnd := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	activator := &fakeActivator{}
	g := testGuard(analytics.NewMemoryStore(), activator,
		item("seats", models.FeatureTypeFlat, models.SubscriptionStatusTrialing, nil, &trialEnd))

	_, err := g.VerifyFeature(context.Background(), "cust-1", "seats", "proj-1", trialEnd.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, activator.activated())
}

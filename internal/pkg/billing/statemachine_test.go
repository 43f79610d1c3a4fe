package billing

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/payment"
)

const (
	testCustomerID = "cust-1"
	testProjectID  = "proj-1"
)

// seedSubscription creates a subscription on a monthly pay_in_arrear plan
// with a flat and a usage feature, cycle anchored on the 1st of August 2026.
func seedSubscription(repo *fakeRepository, status string) *models.Subscription {
	pv := &models.PlanVersion{
		ID:              "pv-pro-1",
		ProjectID:       testProjectID,
		PlanSlug:        "pro",
		Version:         1,
		BillingPeriod:   models.BillingPeriodMonth,
		WhenToBill:      models.WhenToBillPayInArrear,
		StartCycle:      1,
		GracePeriodDays: 3,
		Active:          true,
	}
	repo.versions[pv.ID] = pv
	repo.features[pv.ID] = []models.PlanVersionFeature{
		{
			ID:            "pvf-seats",
			PlanVersionID: pv.ID,
			FeatureID:     "feat-seats",
			FeatureSlug:   "seats",
			FeatureType:   models.FeatureTypeFlat,
			ConfigJSON:    `{"price":"10"}`,
		},
		{
			ID:                "pvf-api-calls",
			PlanVersionID:     pv.ID,
			FeatureID:         "feat-api-calls",
			FeatureSlug:       "api-calls",
			FeatureType:       models.FeatureTypeUsage,
			AggregationMethod: models.AggregationSum,
			ConfigJSON:        `{"unit_price":"0.5"}`,
		},
	}

	phase := &models.SubscriptionPhase{
		ID:             "phase-1",
		SubscriptionID: "sub-1",
		PlanVersionID:  pv.ID,
		StartAt:        date(2026, time.August, 1, 0, 0, 0),
	}
	repo.phases[phase.ID] = phase
	repo.items[phase.ID] = []models.SubscriptionItem{
		{
			ID:                   "item-seats",
			PhaseID:              phase.ID,
			SubscriptionID:       "sub-1",
			PlanVersionFeatureID: "pvf-seats",
			FeatureSlug:          "seats",
			FeatureType:          models.FeatureTypeFlat,
			Units:                2,
		},
		{
			ID:                   "item-api-calls",
			PhaseID:              phase.ID,
			SubscriptionID:       "sub-1",
			PlanVersionFeatureID: "pvf-api-calls",
			FeatureSlug:          "api-calls",
			FeatureType:          models.FeatureTypeUsage,
			AggregationMethod:    models.AggregationSum,
		},
	}

	nextInvoice := date(2026, time.August, 31, 23, 59, 59)
	sub := &models.Subscription{
		ID:                  "sub-1",
		CustomerID:          testCustomerID,
		ProjectID:           testProjectID,
		CurrentPhaseID:      phase.ID,
		Status:              status,
		Currency:            "USD",
		WhenToBill:          models.WhenToBillPayInArrear,
		StartCycle:          1,
		GracePeriodDays:     3,
		BillingCycleStartAt: date(2026, time.August, 1, 0, 0, 0),
		BillingCycleEndAt:   date(2026, time.August, 31, 23, 59, 59),
		NextInvoiceAt:       &nextInvoice,
	}
	repo.subs[sub.ID] = sub
	return sub
}

func TestActivateTrial(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusTrialing)
	trialEnd := date(2026, time.August, 5, 0, 0, 0)
	sub.TrialEndsAt = &trialEnd

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	now := date(2026, time.August, 10, 0, 0, 0)
	require.NoError(t, sm.ActivateTrial(context.Background(), sub.ID, now))

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
}

func TestActivateTrialBeforeEndIsNoop(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusTrialing)
	trialEnd := date(2026, time.September, 1, 0, 0, 0)
	sub.TrialEndsAt = &trialEnd

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	require.NoError(t, sm.ActivateTrial(context.Background(), sub.ID, date(2026, time.August, 10, 0, 0, 0)))

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusTrialing, got.Status)
}

func TestScheduleCancelUsesCycleEnd(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	res, err := sm.ScheduleCancel(context.Background(), sub.ID, testCustomerID, date(2026, time.August, 10, 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	require.NotNil(t, got.CancelAt)
	assert.Equal(t, sub.BillingCycleEndAt, *got.CancelAt)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
}

func TestCancelRequestOnCanceledSubscriptionIsNoop(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusCanceled)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	now := date(2026, time.August, 10, 0, 0, 0)

	res, err := sm.ScheduleCancel(context.Background(), sub.ID, testCustomerID, now)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Contains(t, res.Reason, models.SubscriptionStatusCanceled)

	res, err = sm.CancelNow(context.Background(), sub.ID, testCustomerID, now)
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestCancelNow(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)
	caches := &fakeInvalidator{}

	sm := NewStateMachine(repo, payment.NoopProvider{}, caches)
	now := date(2026, time.August, 10, 12, 0, 0)
	res, err := sm.CancelNow(context.Background(), sub.ID, testCustomerID, now)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, got.Status)
	require.NotNil(t, got.CanceledAt)
	assert.Equal(t, now, *got.CanceledAt)
	assert.Equal(t, now, got.BillingCycleEndAt)

	phase, _ := repo.GetPhase(context.Background(), sub.CurrentPhaseID)
	require.NotNil(t, phase.EndAt)
	assert.Equal(t, now, *phase.EndAt)

	assert.Equal(t, []string{testCustomerID}, caches.customers)
}

func TestCancelNowLogsPriorStatus(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	_, err := sm.CancelNow(context.Background(), sub.ID, testCustomerID, date(2026, time.August, 10, 12, 0, 0))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "active -> canceled")
}

func TestCancelNowWrongCustomer(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	_, err := sm.CancelNow(context.Background(), sub.ID, "someone-else", date(2026, time.August, 10, 0, 0, 0))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestMarkPastDueAddsGracePeriod(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	res, err := sm.MarkPastDue(context.Background(), sub.ID, date(2026, time.September, 1, 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, got.Status)
	require.NotNil(t, got.PastDueAt)
	assert.Equal(t, sub.BillingCycleEndAt.Add(72*time.Hour), *got.PastDueAt)
}

func TestChangePlanToSameVersionRejected(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	_, err := sm.ChangePlan(context.Background(), sub.ID, PhaseSpec{PlanVersionID: "pv-pro-1"}, date(2026, time.August, 10, 0, 0, 0))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnhandledError))

	// The claim must not stick after the rejection.
	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
}

func TestChangePlan(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusActive)
	caches := &fakeInvalidator{}

	enterprise := &models.PlanVersion{
		ID:              "pv-ent-1",
		ProjectID:       testProjectID,
		PlanSlug:        "enterprise",
		Version:         1,
		BillingPeriod:   models.BillingPeriodMonth,
		WhenToBill:      models.WhenToBillPayInAdvance,
		StartCycle:      1,
		GracePeriodDays: 5,
		Active:          true,
	}
	repo.versions[enterprise.ID] = enterprise
	repo.features[enterprise.ID] = []models.PlanVersionFeature{
		{
			ID:            "pvf-ent-seats",
			PlanVersionID: enterprise.ID,
			FeatureID:     "feat-seats",
			FeatureSlug:   "seats",
			FeatureType:   models.FeatureTypeFlat,
			ConfigJSON:    `{"price":"100"}`,
		},
	}

	sm := NewStateMachine(repo, payment.NoopProvider{}, caches)
	changeAt := date(2026, time.August, 15, 0, 0, 0)
	res, err := sm.ChangePlan(context.Background(), sub.ID, PhaseSpec{PlanVersionID: enterprise.ID}, changeAt)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, res.Status)
	require.NotEmpty(t, res.NewPhaseID)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, res.NewPhaseID, got.CurrentPhaseID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.Equal(t, models.WhenToBillPayInAdvance, got.WhenToBill)
	assert.Equal(t, 5, got.GracePeriodDays)
	assert.Equal(t, changeAt, got.BillingCycleStartAt)
	assert.True(t, got.Prorated)

	oldPhase, _ := repo.GetPhase(context.Background(), "phase-1")
	require.NotNil(t, oldPhase.EndAt)
	assert.Equal(t, changeAt, *oldPhase.EndAt)

	items, _ := repo.ListPhaseItems(context.Background(), res.NewPhaseID)
	require.Len(t, items, 1)
	assert.Equal(t, "seats", items[0].FeatureSlug)
	assert.Equal(t, int64(1), items[0].Units)

	assert.Equal(t, []string{testCustomerID}, caches.customers)
}

func TestDowngradeToDefault(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusPastDue)
	pastDue := date(2026, time.September, 3, 23, 59, 59)
	sub.PastDueAt = &pastDue

	free := &models.PlanVersion{
		ID:            "pv-free-1",
		ProjectID:     testProjectID,
		PlanSlug:      "free",
		Version:       1,
		BillingPeriod: models.BillingPeriodMonth,
		WhenToBill:    models.WhenToBillPayInArrear,
		IsDefault:     true,
		Active:        true,
	}
	repo.versions[free.ID] = free
	limit := int64(100)
	repo.features[free.ID] = []models.PlanVersionFeature{
		{
			ID:                "pvf-free-api",
			PlanVersionID:     free.ID,
			FeatureID:         "feat-api-calls",
			FeatureSlug:       "api-calls",
			FeatureType:       models.FeatureTypeUsage,
			AggregationMethod: models.AggregationSum,
			LimitValue:        &limit,
			ConfigJSON:        `{"unit_price":"0"}`,
		},
	}

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	res, err := sm.DowngradeToDefault(context.Background(), sub.ID, date(2026, time.September, 4, 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.Nil(t, got.PastDueAt)
	assert.NotEqual(t, "phase-1", got.CurrentPhaseID)

	items, _ := repo.ListPhaseItems(context.Background(), got.CurrentPhaseID)
	require.Len(t, items, 1)
	assert.Equal(t, "api-calls", items[0].FeatureSlug)
	require.NotNil(t, items[0].LimitValue)
	assert.Equal(t, limit, *items[0].LimitValue)
}

func TestDowngradeSkippedWithPaymentMethod(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusPastDue)
	pastDue := date(2026, time.September, 3, 23, 59, 59)
	sub.PastDueAt = &pastDue

	provider := payment.StaticProvider{Methods: []payment.Method{{ID: "pm-1", Default: true}}}
	sm := NewStateMachine(repo, provider, &fakeInvalidator{})
	res, err := sm.DowngradeToDefault(context.Background(), sub.ID, date(2026, time.September, 4, 0, 0, 0))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "payment method present", res.Reason)
}

func TestDowngradeWithoutDefaultPlanStaysPastDue(t *testing.T) {
	repo := newFakeRepository()
	sub := seedSubscription(repo, models.SubscriptionStatusPastDue)
	pastDue := date(2026, time.September, 3, 23, 59, 59)
	sub.PastDueAt = &pastDue

	sm := NewStateMachine(repo, payment.NoopProvider{}, &fakeInvalidator{})
	res, err := sm.DowngradeToDefault(context.Background(), sub.ID, date(2026, time.September, 4, 0, 0, 0))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	got, _ := repo.GetSubscription(context.Background(), sub.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, got.Status)
}

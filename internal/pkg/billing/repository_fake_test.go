package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
)

// fakeRepository is the in-memory Repository used by the state machine and
// task tests. Transact runs the function against the same store; the unique
// invoice index is emulated by the keyed map.
type fakeRepository struct {
	mu       sync.Mutex
	subs     map[string]*models.Subscription
	phases   map[string]*models.SubscriptionPhase
	items    map[string][]models.SubscriptionItem
	versions map[string]*models.PlanVersion
	features map[string][]models.PlanVersionFeature
	usage    map[string]*models.UsageRecord
	invoices map[string]*models.BillingCycleInvoice
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		subs:     make(map[string]*models.Subscription),
		phases:   make(map[string]*models.SubscriptionPhase),
		items:    make(map[string][]models.SubscriptionItem),
		versions: make(map[string]*models.PlanVersion),
		features: make(map[string][]models.PlanVersionFeature),
		usage:    make(map[string]*models.UsageRecord),
		invoices: make(map[string]*models.BillingCycleInvoice),
	}
}

func usageKey(itemID string, year, month int) string {
	return fmt.Sprintf("%s|%d|%d", itemID, year, month)
}

func invoiceKey(subID string, start, end time.Time) string {
	return fmt.Sprintf("%s|%d|%d", subID, start.Unix(), end.Unix())
}

func (r *fakeRepository) Transact(_ context.Context, fn func(Repository) error) error {
	return fn(r)
}

func (r *fakeRepository) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeRepository) GetSubscriptionForUpdate(ctx context.Context, id string) (*models.Subscription, error) {
	return r.GetSubscription(ctx, id)
}

func (r *fakeRepository) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *fakeRepository) GetPhase(_ context.Context, id string) (*models.SubscriptionPhase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phase, ok := r.phases[id]
	if !ok {
		return nil, nil
	}
	cp := *phase
	return &cp, nil
}

func (r *fakeRepository) CreatePhase(_ context.Context, phase *models.SubscriptionPhase, items []models.SubscriptionItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *phase
	r.phases[phase.ID] = &cp
	r.items[phase.ID] = append([]models.SubscriptionItem(nil), items...)
	return nil
}

func (r *fakeRepository) ClosePhase(_ context.Context, phaseID string, endAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if phase, ok := r.phases[phaseID]; ok {
		phase.EndAt = &endAt
	}
	return nil
}

func (r *fakeRepository) ListPhaseItems(_ context.Context, phaseID string) ([]models.SubscriptionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SubscriptionItem(nil), r.items[phaseID]...), nil
}

func (r *fakeRepository) GetPlanVersion(_ context.Context, id string) (*models.PlanVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pv, ok := r.versions[id]
	if !ok {
		return nil, nil
	}
	cp := *pv
	return &cp, nil
}

func (r *fakeRepository) FindDefaultPlanVersion(_ context.Context, projectID string) (*models.PlanVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.PlanVersion
	for _, pv := range r.versions {
		if pv.ProjectID != projectID || !pv.IsDefault || !pv.Active {
			continue
		}
		if best == nil || pv.Version > best.Version {
			best = pv
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *fakeRepository) ListPlanVersionFeatures(_ context.Context, planVersionID string) ([]models.PlanVersionFeature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PlanVersionFeature(nil), r.features[planVersionID]...), nil
}

func (r *fakeRepository) CreateInvoiceIfAbsent(_ context.Context, inv *models.BillingCycleInvoice) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := invoiceKey(inv.SubscriptionID, inv.CycleStartAt, inv.CycleEndAt)
	if _, exists := r.invoices[key]; exists {
		return false, nil
	}
	cp := *inv
	r.invoices[key] = &cp
	return true, nil
}

func (r *fakeRepository) GetUsage(_ context.Context, subscriptionItemID string, year, month int) (*models.UsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.usage[usageKey(subscriptionItemID, year, month)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepository) ListInvoiceDue(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.NextInvoiceAt != nil && !now.Before(*sub.NextInvoiceAt) && !sub.IsTerminal() {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepository) ListCancelDue(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.CancelAt != nil && !now.Before(*sub.CancelAt) && !sub.IsTerminal() {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepository) ListPastDueElapsed(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if sub.Status == models.SubscriptionStatusPastDue && sub.PastDueAt != nil && !now.Before(*sub.PastDueAt) {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeInvalidator records entitlement cache invalidations.
type fakeInvalidator struct {
	mu        sync.Mutex
	customers []string
}

func (f *fakeInvalidator) InvalidateCustomer(_ context.Context, customerID string, _ ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, customerID)
}

package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/payment"
)

// Invalidator drops a customer's entitlement caches after a phase change.
type Invalidator interface {
	InvalidateCustomer(ctx context.Context, customerID string, featureSlugs ...string)
}

// TransitionResult reports whether a requested transition was applied.
// Semantically idempotent requests on the wrong state are benign no-ops
// with a reason, not errors.
type TransitionResult struct {
	Applied bool
	Reason  string
}

// ItemSpec selects one plan-version feature for a new phase.
type ItemSpec struct {
	PlanVersionFeatureID string
	Units                int64
}

// PhaseSpec describes the phase a plan change creates. Empty Items means
// every feature of the plan version with one unit each.
type PhaseSpec struct {
	PlanVersionID string
	Items         []ItemSpec
}

// ChangePlanResult carries the outcome of a plan change.
type ChangePlanResult struct {
	NewPhaseID string
	Status     string
}

// StateMachine owns every subscription status transition. Each transition
// runs in a single transaction that re-reads the row under a lock and
// re-validates its guards, so concurrent tasks cannot double-transition the
// same subscription.
type StateMachine struct {
	repo    Repository
	payment payment.Provider
	caches  Invalidator
}

func NewStateMachine(repo Repository, provider payment.Provider, caches Invalidator) *StateMachine {
	return &StateMachine{repo: repo, payment: provider, caches: caches}
}

// ActivateTrial moves a trialing subscription whose trial has ended to
// active. Safe to call from the lazy verification path: any other state is
// a no-op.
func (sm *StateMachine) ActivateTrial(ctx context.Context, subscriptionID string, now time.Time) error {
	return sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return errs.NewFetchError("activate trial: load subscription", err)
		}
		if sub == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", subscriptionID)
		}
		if sub.Status != models.SubscriptionStatusTrialing {
			return nil
		}
		if sub.TrialEndsAt == nil || now.Before(*sub.TrialEndsAt) {
			return nil
		}

		sub.Status = models.SubscriptionStatusActive
		if sub.NextInvoiceAt == nil {
			next := *sub.TrialEndsAt
			sub.NextInvoiceAt = &next
		}
		log.Infof("[StateMachine] Subscription %s: trialing -> active", sub.ID)
		return tx.UpdateSubscription(ctx, sub)
	})
}

// MarkPastDue transitions an active subscription whose invoice is due but
// has no usable payment method. PastDueAt marks the end of the grace period.
func (sm *StateMachine) MarkPastDue(ctx context.Context, subscriptionID string, now time.Time) (TransitionResult, error) {
	var result TransitionResult
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return errs.NewFetchError("mark past due: load subscription", err)
		}
		if sub == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", subscriptionID)
		}
		if sub.Status != models.SubscriptionStatusActive {
			result.Reason = "subscription is " + sub.Status
			return nil
		}

		grace := time.Duration(sub.GracePeriodDays) * 24 * time.Hour
		pastDueAt := sub.BillingCycleEndAt.Add(grace)
		sub.Status = models.SubscriptionStatusPastDue
		sub.PastDueAt = &pastDueAt
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		result.Applied = true
		log.Warnf("[StateMachine] Subscription %s: active -> past_due until %s", sub.ID, pastDueAt)
		return nil
	})
	return result, err
}

// ScheduleCancel records a future cancellation at the end of the current
// billing cycle. Terminal or changing subscriptions reject the request as a
// logged no-op.
func (sm *StateMachine) ScheduleCancel(ctx context.Context, subscriptionID, customerID string, now time.Time) (TransitionResult, error) {
	var result TransitionResult
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := sm.loadOwned(ctx, tx, subscriptionID, customerID)
		if err != nil {
			return err
		}
		if reason, ok := rejectTransition(sub); ok {
			result.Reason = reason
			log.Infof("[StateMachine] Subscription %s: cancel request ignored (%s)", sub.ID, reason)
			return nil
		}
		if sub.CancelAt != nil {
			result.Reason = "cancellation already scheduled"
			return nil
		}

		cancelAt := sub.BillingCycleEndAt
		if cancelAt.Before(now) {
			cancelAt = now
		}
		sub.CancelAt = &cancelAt
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		result.Applied = true
		log.Infof("[StateMachine] Subscription %s: cancellation scheduled at %s", sub.ID, cancelAt)
		return nil
	})
	return result, err
}

// CancelNow applies the terminal cancellation transition: all cycle and end
// timestamps collapse to now. The cancellation task triggers the final
// invoice afterwards.
func (sm *StateMachine) CancelNow(ctx context.Context, subscriptionID, customerID string, now time.Time) (TransitionResult, error) {
	var result TransitionResult
	var slugs []string
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := sm.loadOwned(ctx, tx, subscriptionID, customerID)
		if err != nil {
			return err
		}
		if reason, ok := rejectTransition(sub); ok {
			result.Reason = reason
			log.Infof("[StateMachine] Subscription %s: cancel ignored (%s)", sub.ID, reason)
			return nil
		}

		items, err := tx.ListPhaseItems(ctx, sub.CurrentPhaseID)
		if err != nil {
			return errs.NewFetchError("cancel: load items", err)
		}
		for _, it := range items {
			slugs = append(slugs, it.FeatureSlug)
		}

		prior := sub.Status
		sub.Status = models.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.CancelAt = &now
		if now.Before(sub.BillingCycleEndAt) {
			sub.Prorated = true
		}
		sub.BillingCycleEndAt = now
		sub.NextInvoiceAt = &now
		if err := tx.ClosePhase(ctx, sub.CurrentPhaseID, now); err != nil {
			return err
		}
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		result.Applied = true
		log.Infof("[StateMachine] Subscription %s: %s -> canceled", sub.ID, prior)
		return nil
	})
	if err == nil && result.Applied && sm.caches != nil {
		sm.caches.InvalidateCustomer(ctx, customerID, slugs...)
	}
	return result, err
}

// ChangePlan moves the subscription to a new plan version. The status holds
// `changing` while the new phase is created, blocking a second concurrent
// change; on failure the prior status is restored and the attempted phase is
// rolled back with the transaction.
func (sm *StateMachine) ChangePlan(ctx context.Context, subscriptionID string, spec PhaseSpec, changeAt time.Time) (ChangePlanResult, error) {
	var prior string
	var customerID string
	var oldPhaseID string

	// Claim the subscription first: the changing status is the guard other
	// requests observe.
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return errs.NewFetchError("change plan: load subscription", err)
		}
		if sub == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", subscriptionID)
		}
		if reason, ok := rejectTransition(sub); ok {
			return errs.NewCustomerError(errs.CodeUnhandledError, "plan change rejected: %s", reason)
		}
		phase, err := tx.GetPhase(ctx, sub.CurrentPhaseID)
		if err != nil {
			return errs.NewFetchError("change plan: load phase", err)
		}
		if phase != nil && phase.PlanVersionID == spec.PlanVersionID {
			return errs.NewCustomerError(errs.CodeUnhandledError,
				"subscription %s is already on plan version %s", subscriptionID, spec.PlanVersionID)
		}

		prior = sub.Status
		customerID = sub.CustomerID
		oldPhaseID = sub.CurrentPhaseID
		sub.Status = models.SubscriptionStatusChanging
		sub.ChangeAt = &changeAt
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return ChangePlanResult{}, err
	}

	result, slugs, err := sm.applyPlanChange(ctx, subscriptionID, spec, changeAt, prior, oldPhaseID)
	if err != nil {
		sm.revertStatus(ctx, subscriptionID, prior)
		return ChangePlanResult{}, err
	}
	if sm.caches != nil {
		sm.caches.InvalidateCustomer(ctx, customerID, slugs...)
	}
	return result, nil
}

func (sm *StateMachine) applyPlanChange(ctx context.Context, subscriptionID string, spec PhaseSpec, changeAt time.Time, prior, oldPhaseID string) (ChangePlanResult, []string, error) {
	var result ChangePlanResult
	var slugs []string
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return errs.NewFetchError("change plan: reload subscription", err)
		}
		if sub == nil || sub.Status != models.SubscriptionStatusChanging {
			return errs.NewCustomerError(errs.CodeUnhandledError, "subscription %s lost the change claim", subscriptionID)
		}

		pv, err := tx.GetPlanVersion(ctx, spec.PlanVersionID)
		if err != nil {
			return errs.NewFetchError("change plan: load plan version", err)
		}
		if pv == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "plan version %s not found", spec.PlanVersionID)
		}

		oldItems, err := tx.ListPhaseItems(ctx, oldPhaseID)
		if err != nil {
			return errs.NewFetchError("change plan: load old items", err)
		}
		for _, it := range oldItems {
			slugs = append(slugs, it.FeatureSlug)
		}

		phase, items, err := buildPhase(ctx, tx, sub.ID, pv, spec.Items, changeAt)
		if err != nil {
			return err
		}
		for _, it := range items {
			slugs = append(slugs, it.FeatureSlug)
		}

		if err := tx.ClosePhase(ctx, oldPhaseID, changeAt); err != nil {
			return err
		}
		if err := tx.CreatePhase(ctx, phase, items); err != nil {
			return err
		}

		cycle := ConfigureBillingCycle(changeAt, pv.StartCycle, pv.BillingPeriod)
		sub.CurrentPhaseID = phase.ID
		sub.Status = prior
		sub.WhenToBill = pv.WhenToBill
		sub.StartCycle = pv.StartCycle
		sub.GracePeriodDays = pv.GracePeriodDays
		sub.BillingCycleStartAt = cycle.CycleStart
		sub.BillingCycleEndAt = cycle.CycleEnd
		sub.Prorated = cycle.Prorated
		next := cycle.CycleEnd
		if pv.WhenToBill == models.WhenToBillPayInAdvance {
			next = cycle.CycleStart
		}
		sub.NextInvoiceAt = &next
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}

		result = ChangePlanResult{NewPhaseID: phase.ID, Status: sub.Status}
		log.Infof("[StateMachine] Subscription %s: plan changed to version %s at %s", sub.ID, pv.ID, changeAt)
		return nil
	})
	return result, slugs, err
}

// DowngradeToDefault ends a past_due subscription's phase and opens a new
// one on the project's default plan version, once the grace period elapsed
// and still no payment method exists.
func (sm *StateMachine) DowngradeToDefault(ctx context.Context, subscriptionID string, now time.Time) (TransitionResult, error) {
	var result TransitionResult
	var customerID string
	var slugs []string
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil {
			return errs.NewFetchError("downgrade: load subscription", err)
		}
		if sub == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", subscriptionID)
		}
		if sub.Status != models.SubscriptionStatusPastDue {
			result.Reason = "subscription is " + sub.Status
			return nil
		}
		if sub.PastDueAt == nil || now.Before(*sub.PastDueAt) {
			result.Reason = "grace period still running"
			return nil
		}
		if payment.HasPaymentMethod(ctx, sm.payment, sub.CustomerID) {
			result.Reason = "payment method present"
			return nil
		}

		pv, err := tx.FindDefaultPlanVersion(ctx, sub.ProjectID)
		if err != nil {
			return errs.NewFetchError("downgrade: find default plan", err)
		}
		if pv == nil {
			// Nothing to downgrade onto; stay past_due and keep logging.
			result.Reason = "project has no default plan version"
			log.Errorf("[StateMachine] Subscription %s: cannot downgrade, no default plan for project %s", sub.ID, sub.ProjectID)
			return nil
		}

		oldItems, err := tx.ListPhaseItems(ctx, sub.CurrentPhaseID)
		if err != nil {
			return errs.NewFetchError("downgrade: load items", err)
		}
		for _, it := range oldItems {
			slugs = append(slugs, it.FeatureSlug)
		}

		startAt := now.Add(time.Second)
		phase, items, err := buildPhase(ctx, tx, sub.ID, pv, nil, startAt)
		if err != nil {
			return err
		}
		for _, it := range items {
			slugs = append(slugs, it.FeatureSlug)
		}

		if err := tx.ClosePhase(ctx, sub.CurrentPhaseID, now); err != nil {
			return err
		}
		if err := tx.CreatePhase(ctx, phase, items); err != nil {
			return err
		}

		cycle := ConfigureBillingCycle(startAt, pv.StartCycle, pv.BillingPeriod)
		customerID = sub.CustomerID
		sub.Status = models.SubscriptionStatusActive
		sub.CurrentPhaseID = phase.ID
		sub.PastDueAt = nil
		sub.WhenToBill = pv.WhenToBill
		sub.StartCycle = pv.StartCycle
		sub.GracePeriodDays = pv.GracePeriodDays
		sub.BillingCycleStartAt = cycle.CycleStart
		sub.BillingCycleEndAt = cycle.CycleEnd
		sub.Prorated = cycle.Prorated
		next := cycle.CycleEnd
		sub.NextInvoiceAt = &next
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		result.Applied = true
		log.Warnf("[StateMachine] Subscription %s: past_due -> active on default plan %s", sub.ID, pv.ID)
		return nil
	})
	if err == nil && result.Applied && sm.caches != nil {
		sm.caches.InvalidateCustomer(ctx, customerID, slugs...)
	}
	return result, err
}

func (sm *StateMachine) loadOwned(ctx context.Context, tx Repository, subscriptionID, customerID string) (*models.Subscription, error) {
	sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
	if err != nil {
		return nil, errs.NewFetchError("load subscription", err)
	}
	if sub == nil || sub.CustomerID != customerID {
		return nil, errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found for customer %s", subscriptionID, customerID)
	}
	return sub, nil
}

func (sm *StateMachine) revertStatus(ctx context.Context, subscriptionID, prior string) {
	err := sm.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subscriptionID)
		if err != nil || sub == nil {
			return err
		}
		if sub.Status != models.SubscriptionStatusChanging {
			return nil
		}
		sub.Status = prior
		sub.ChangeAt = nil
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		log.Errorf("[StateMachine] Subscription %s: failed to revert status to %s: %v", subscriptionID, prior, err)
	}
}

// rejectTransition reports the reason a cancel/change request must be
// ignored for the subscription's current status.
func rejectTransition(sub *models.Subscription) (string, bool) {
	if sub.IsTerminal() {
		return "subscription is " + sub.Status, true
	}
	if sub.Status == models.SubscriptionStatusChanging {
		return "a plan change is in progress", true
	}
	return "", false
}

// buildPhase materializes a phase and its items from a plan version. A nil
// item spec takes every feature of the version with one unit.
func buildPhase(ctx context.Context, tx Repository, subscriptionID string, pv *models.PlanVersion, specs []ItemSpec, startAt time.Time) (*models.SubscriptionPhase, []models.SubscriptionItem, error) {
	features, err := tx.ListPlanVersionFeatures(ctx, pv.ID)
	if err != nil {
		return nil, nil, errs.NewFetchError("build phase: load plan features", err)
	}
	byID := make(map[string]models.PlanVersionFeature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	phase := &models.SubscriptionPhase{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		PlanVersionID:  pv.ID,
		StartAt:        startAt,
	}

	var items []models.SubscriptionItem
	appendItem := func(f models.PlanVersionFeature, units int64) {
		items = append(items, models.SubscriptionItem{
			ID:                   uuid.NewString(),
			PhaseID:              phase.ID,
			SubscriptionID:       subscriptionID,
			PlanVersionFeatureID: f.ID,
			FeatureSlug:          f.FeatureSlug,
			FeatureType:          f.FeatureType,
			AggregationMethod:    f.AggregationMethod,
			LimitValue:           f.LimitValue,
			Units:                units,
		})
	}

	if len(specs) == 0 {
		for _, f := range features {
			appendItem(f, 1)
		}
		return phase, items, nil
	}
	for _, spec := range specs {
		f, ok := byID[spec.PlanVersionFeatureID]
		if !ok {
			return nil, nil, errs.NewCustomerError(errs.CodeNotFound,
				"plan version feature %s not found in version %s", spec.PlanVersionFeatureID, pv.ID)
		}
		units := spec.Units
		if units <= 0 {
			units = 1
		}
		appendItem(f, units)
	}
	return phase, items, nil
}

package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/payment"
)

// TaskInput identifies the subscription a billing task operates on. Now is
// injected so sweeps and tests run against a fixed instant.
type TaskInput struct {
	SubscriptionID string
	CustomerID     string
	Now            time.Time
}

// InvoiceResult reports what an invoice run did. Created is false both when
// the run was a no-op and when the cycle's invoice already existed.
type InvoiceResult struct {
	Created   bool
	InvoiceID string
	Total     decimal.Decimal
	Reason    string
}

// InvoiceTask emits the invoice for a subscription's current billing cycle
// and advances the cycle. Running it twice for the same cycle creates exactly
// one invoice: the unique (subscription, cycle start, cycle end) index plus
// the in-transaction due re-check make the advance single-shot.
type InvoiceTask struct {
	repo    Repository
	payment payment.Provider
	sm      *StateMachine
}

func NewInvoiceTask(repo Repository, provider payment.Provider, sm *StateMachine) *InvoiceTask {
	return &InvoiceTask{repo: repo, payment: provider, sm: sm}
}

func (t *InvoiceTask) Run(ctx context.Context, in TaskInput) (InvoiceResult, error) {
	sub, err := t.repo.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return InvoiceResult{}, errs.NewFetchError("invoice: load subscription", err)
	}
	if sub == nil {
		return InvoiceResult{}, errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", in.SubscriptionID)
	}
	if sub.Status == models.SubscriptionStatusEnded {
		return InvoiceResult{Reason: "subscription ended"}, nil
	}

	if sub.Status == models.SubscriptionStatusTrialing {
		if sub.TrialEndsAt == nil || in.Now.Before(*sub.TrialEndsAt) {
			return InvoiceResult{Reason: "trial still running"}, nil
		}
		if err := t.sm.ActivateTrial(ctx, in.SubscriptionID, in.Now); err != nil {
			return InvoiceResult{}, err
		}
		if sub, err = t.repo.GetSubscription(ctx, in.SubscriptionID); err != nil || sub == nil {
			return InvoiceResult{}, errs.NewFetchError("invoice: reload subscription", err)
		}
	}

	if sub.NextInvoiceAt == nil || in.Now.Before(*sub.NextInvoiceAt) {
		return InvoiceResult{Reason: "invoice not due"}, nil
	}

	// An active subscription without a payment method does not get invoiced,
	// it enters the grace period instead.
	if sub.Status == models.SubscriptionStatusActive && !payment.HasPaymentMethod(ctx, t.payment, sub.CustomerID) {
		res, err := t.sm.MarkPastDue(ctx, in.SubscriptionID, in.Now)
		if err != nil {
			return InvoiceResult{}, err
		}
		reason := "no payment method, marked past_due"
		if !res.Applied {
			reason = "no payment method: " + res.Reason
		}
		return InvoiceResult{Reason: reason}, nil
	}

	var result InvoiceResult
	err = t.repo.Transact(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, in.SubscriptionID)
		if err != nil {
			return errs.NewFetchError("invoice: lock subscription", err)
		}
		if sub == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "subscription %s not found", in.SubscriptionID)
		}
		// Re-check under the lock: a concurrent run that already advanced the
		// cycle leaves nothing due.
		if sub.NextInvoiceAt == nil || in.Now.Before(*sub.NextInvoiceAt) {
			result.Reason = "invoice not due"
			return nil
		}
		switch sub.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled:
		default:
			result.Reason = "subscription is " + sub.Status
			return nil
		}

		phase, err := tx.GetPhase(ctx, sub.CurrentPhaseID)
		if err != nil {
			return errs.NewFetchError("invoice: load phase", err)
		}
		if phase == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "phase %s not found", sub.CurrentPhaseID)
		}
		pv, err := tx.GetPlanVersion(ctx, phase.PlanVersionID)
		if err != nil {
			return errs.NewFetchError("invoice: load plan version", err)
		}
		if pv == nil {
			return errs.NewCustomerError(errs.CodeNotFound, "plan version %s not found", phase.PlanVersionID)
		}

		total, invoiceType, err := t.computeTotal(ctx, tx, sub, pv)
		if err != nil {
			return err
		}

		grace := time.Duration(sub.GracePeriodDays) * 24 * time.Hour
		inv := &models.BillingCycleInvoice{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			CycleStartAt:   sub.BillingCycleStartAt,
			CycleEndAt:     sub.BillingCycleEndAt,
			DueAt:          in.Now.Add(grace),
			Status:         models.InvoiceStatusOpen,
			Type:           invoiceType,
			Total:          total,
			Currency:       sub.Currency,
			Prorated:       sub.Prorated,
		}
		created, err := tx.CreateInvoiceIfAbsent(ctx, inv)
		if err != nil {
			return errs.NewFetchError("invoice: create", err)
		}
		if created {
			result.Created = true
			result.InvoiceID = inv.ID
			result.Total = total
			log.Infof("[Billing] Invoice %s created for subscription %s: %s %s (%s)",
				inv.ID, sub.ID, total.StringFixed(2), inv.Currency, invoiceType)
		} else {
			result.Reason = "invoice already exists for cycle"
			log.Infof("[Billing] Invoice for subscription %s cycle %s already exists, skipping",
				sub.ID, sub.BillingCycleStartAt.Format(time.RFC3339))
		}

		// A canceled subscription's last cycle is final: settle and stop.
		if sub.Status == models.SubscriptionStatusCanceled {
			sub.Status = models.SubscriptionStatusEnded
			sub.NextInvoiceAt = nil
			return tx.UpdateSubscription(ctx, sub)
		}

		next := ConfigureBillingCycle(sub.BillingCycleEndAt.Add(time.Second), sub.StartCycle, pv.BillingPeriod)
		sub.BillingCycleStartAt = next.CycleStart
		sub.BillingCycleEndAt = next.CycleEnd
		sub.Prorated = next.Prorated
		nextInvoice := next.CycleEnd
		if sub.WhenToBill == models.WhenToBillPayInAdvance {
			nextInvoice = next.CycleStart
		}
		sub.NextInvoiceAt = &nextInvoice
		return tx.UpdateSubscription(ctx, sub)
	})
	return result, err
}

// computeTotal prices every item of the current phase for the current cycle.
// Flat items are prorated by the cycle's fraction of a full period; metered
// items bill the recorded usage of the cycle's month.
func (t *InvoiceTask) computeTotal(ctx context.Context, tx Repository, sub *models.Subscription, pv *models.PlanVersion) (decimal.Decimal, string, error) {
	items, err := tx.ListPhaseItems(ctx, sub.CurrentPhaseID)
	if err != nil {
		return decimal.Zero, "", errs.NewFetchError("invoice: load items", err)
	}
	features, err := tx.ListPlanVersionFeatures(ctx, pv.ID)
	if err != nil {
		return decimal.Zero, "", errs.NewFetchError("invoice: load plan features", err)
	}
	configs := make(map[string]models.PlanVersionFeature, len(features))
	for _, f := range features {
		configs[f.ID] = f
	}

	factor := decimal.NewFromFloat(prorationFactor(sub, pv.BillingPeriod))
	year, month := sub.BillingCycleStartAt.Year(), int(sub.BillingCycleStartAt.Month())

	total := decimal.Zero
	hasFlat, hasMetered := false, false
	for _, item := range items {
		feature, ok := configs[item.PlanVersionFeatureID]
		if !ok {
			return decimal.Zero, "", errs.NewCustomerError(errs.CodeNotFound,
				"plan version feature %s not found for item %s", item.PlanVersionFeatureID, item.ID)
		}
		cfg, err := feature.Config()
		if err != nil {
			return decimal.Zero, "", errs.NewFetchError("invoice: decode pricing config", err)
		}

		var usage int64
		if models.IsMetered(item.FeatureType) {
			record, err := tx.GetUsage(ctx, item.ID, year, month)
			if err != nil {
				return decimal.Zero, "", errs.NewFetchError("invoice: load usage", err)
			}
			if record != nil {
				usage = record.Usage
			}
			hasMetered = true
		} else {
			hasFlat = true
		}

		amount, err := priceItem(item, cfg, usage, factor)
		if err != nil {
			return decimal.Zero, "", err
		}
		total = total.Add(amount)
	}

	invoiceType := models.InvoiceTypeHybrid
	switch {
	case hasFlat && !hasMetered:
		invoiceType = models.InvoiceTypeFlat
	case hasMetered && !hasFlat:
		invoiceType = models.InvoiceTypeUsage
	}
	return total, invoiceType, nil
}

// priceItem applies the feature's pricing config to one subscription item.
func priceItem(item models.SubscriptionItem, cfg models.FeatureConfig, usage int64, factor decimal.Decimal) (decimal.Decimal, error) {
	switch item.FeatureType {
	case models.FeatureTypeFlat:
		if cfg.Flat == nil {
			return decimal.Zero, errs.NewCustomerError(errs.CodeUnhandledError, "item %s has no flat config", item.ID)
		}
		units := decimal.NewFromInt(item.Units)
		return cfg.Flat.Price.Mul(units).Mul(factor), nil

	case models.FeatureTypeUsage:
		if cfg.Usage == nil {
			return decimal.Zero, errs.NewCustomerError(errs.CodeUnhandledError, "item %s has no usage config", item.ID)
		}
		return cfg.Usage.UnitPrice.Mul(decimal.NewFromInt(usage)), nil

	case models.FeatureTypeTier:
		if cfg.Tier == nil {
			return decimal.Zero, errs.NewCustomerError(errs.CodeUnhandledError, "item %s has no tier config", item.ID)
		}
		return priceTiered(cfg.Tier.Tiers, usage), nil

	case models.FeatureTypePackage:
		if cfg.Package == nil || cfg.Package.UnitsPerPackage <= 0 {
			return decimal.Zero, errs.NewCustomerError(errs.CodeUnhandledError, "item %s has no package config", item.ID)
		}
		packages := (usage + cfg.Package.UnitsPerPackage - 1) / cfg.Package.UnitsPerPackage
		return cfg.Package.PackagePrice.Mul(decimal.NewFromInt(packages)), nil

	default:
		return decimal.Zero, errs.NewCustomerError(errs.CodeUnhandledError, "item %s has unknown feature type %q", item.ID, item.FeatureType)
	}
}

// priceTiered walks graduated tiers: each tier charges its unit price for the
// units falling inside it. A nil UpTo absorbs all remaining units.
func priceTiered(tiers []models.PriceTier, usage int64) decimal.Decimal {
	total := decimal.Zero
	var covered int64
	for _, tier := range tiers {
		if usage <= covered {
			break
		}
		span := usage - covered
		if tier.UpTo != nil {
			if width := *tier.UpTo - covered; width < span {
				span = width
			}
			covered = *tier.UpTo
		} else {
			covered = usage
		}
		if span > 0 {
			total = total.Add(tier.UnitPrice.Mul(decimal.NewFromInt(span)))
		}
	}
	return total
}

// prorationFactor is the current cycle's length as a fraction of the full
// canonical period around its start.
func prorationFactor(sub *models.Subscription, billingPeriod string) float64 {
	if !sub.Prorated {
		return 1.0
	}
	prev, next := cycleBoundaries(sub.BillingCycleStartAt, sub.StartCycle, billingPeriod)
	full := next.Sub(prev)
	if full <= 0 {
		return 1.0
	}
	length := sub.BillingCycleEndAt.Add(time.Second).Sub(sub.BillingCycleStartAt)
	factor := float64(length) / float64(full)
	if factor <= 0 || factor > 1 {
		return 1.0
	}
	return factor
}

// CancellationTask cancels a subscription, either at the end of the current
// cycle or immediately with a final settlement invoice.
type CancellationTask struct {
	sm       *StateMachine
	invoices *InvoiceTask
}

func NewCancellationTask(sm *StateMachine, invoices *InvoiceTask) *CancellationTask {
	return &CancellationTask{sm: sm, invoices: invoices}
}

func (t *CancellationTask) Run(ctx context.Context, in TaskInput, immediate bool) (TransitionResult, error) {
	if !immediate {
		return t.sm.ScheduleCancel(ctx, in.SubscriptionID, in.CustomerID, in.Now)
	}
	res, err := t.sm.CancelNow(ctx, in.SubscriptionID, in.CustomerID, in.Now)
	if err != nil || !res.Applied {
		return res, err
	}
	// Settle the final partial cycle right away.
	if _, err := t.invoices.Run(ctx, in); err != nil {
		log.Errorf("[Billing] Final settlement for subscription %s failed: %v", in.SubscriptionID, err)
	}
	return res, nil
}

// Sweeper periodically drives the billing lifecycle: due invoices, scheduled
// cancellations that reached their cancel time, and past_due subscriptions
// whose grace period elapsed. Per-subscription failures are logged and do not
// stop the batch.
type Sweeper struct {
	repo      Repository
	invoices  *InvoiceTask
	cancels   *CancellationTask
	sm        *StateMachine
	batchSize int
}

const defaultSweepBatch = 100

func NewSweeper(repo Repository, invoices *InvoiceTask, cancels *CancellationTask, sm *StateMachine) *Sweeper {
	return &Sweeper{repo: repo, invoices: invoices, cancels: cancels, sm: sm, batchSize: defaultSweepBatch}
}

func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	due, err := s.repo.ListInvoiceDue(ctx, now, s.batchSize)
	if err != nil {
		log.Errorf("[Billing] Sweep: list due invoices: %v", err)
	}
	for _, sub := range due {
		in := TaskInput{SubscriptionID: sub.ID, CustomerID: sub.CustomerID, Now: now}
		if _, err := s.invoices.Run(ctx, in); err != nil {
			log.Errorf("[Billing] Sweep: invoice subscription %s: %v", sub.ID, err)
		}
	}

	cancels, err := s.repo.ListCancelDue(ctx, now, s.batchSize)
	if err != nil {
		log.Errorf("[Billing] Sweep: list due cancellations: %v", err)
	}
	for _, sub := range cancels {
		in := TaskInput{SubscriptionID: sub.ID, CustomerID: sub.CustomerID, Now: now}
		if _, err := s.cancels.Run(ctx, in, true); err != nil {
			log.Errorf("[Billing] Sweep: cancel subscription %s: %v", sub.ID, err)
		}
	}

	elapsed, err := s.repo.ListPastDueElapsed(ctx, now, s.batchSize)
	if err != nil {
		log.Errorf("[Billing] Sweep: list elapsed past_due: %v", err)
	}
	for _, sub := range elapsed {
		if _, err := s.sm.DowngradeToDefault(ctx, sub.ID, now); err != nil {
			log.Errorf("[Billing] Sweep: downgrade subscription %s: %v", sub.ID, err)
		}
	}
	return nil
}

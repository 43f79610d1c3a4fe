package guard

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/jhonsfran1165/unprice-sub000/app/models"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/analytics"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/entitlements"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/errs"
	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/usage"
)

// DeniedReason explains a negative access decision. Reasons are data
// returned to the caller, never errors, except in strict mode.
type DeniedReason string

const (
	DeniedFeatureNotFound DeniedReason = "FEATURE_NOT_FOUND_IN_SUBSCRIPTION"
	DeniedNoUsageRecord   DeniedReason = "FEATURE_HAS_NO_USAGE_RECORD"
	DeniedUsageExceeded   DeniedReason = "USAGE_EXCEEDED"
)

// AccessDecision is the result of one feature verification.
type AccessDecision struct {
	Access       bool         `json:"access"`
	DeniedReason DeniedReason `json:"denied_reason,omitempty"`
	CurrentUsage *int64       `json:"current_usage,omitempty"`
	Limit        *int64       `json:"limit,omitempty"`
	Remaining    *int64       `json:"remaining,omitempty"`
	FeatureType  string       `json:"feature_type,omitempty"`
}

// TrialActivator moves a trialing subscription to active once the trial has
// ended; verification triggers it lazily instead of a dedicated tick.
type TrialActivator interface {
	ActivateTrial(ctx context.Context, subscriptionID string, now time.Time) error
}

// Guard turns verification requests into access decisions by composing the
// entitlement resolver and the usage meter.
type Guard struct {
	ents      *entitlements.Service
	meter     *usage.Meter
	analytics analytics.Store
	tasks     cache.Submitter
	activator TrialActivator

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func NewGuard(ents *entitlements.Service, meter *usage.Meter, store analytics.Store, tasks cache.Submitter, activator TrialActivator) *Guard {
	return &Guard{
		ents:      ents,
		meter:     meter,
		analytics: store,
		tasks:     tasks,
		activator: activator,
		Clock:     time.Now,
	}
}

// VerifyFeature decides whether the customer may use the feature at the
// given instant. Denials are data on the decision; the returned error is
// reserved for upstream failures the caller may retry.
func (g *Guard) VerifyFeature(ctx context.Context, customerID, featureSlug, projectID string, at time.Time) (AccessDecision, error) {
	started := g.Clock()
	decision := AccessDecision{}
	defer func() {
		g.emit(customerID, projectID, featureSlug, decision, g.Clock().Sub(started))
	}()

	item, err := g.ents.GetCustomerFeature(ctx, customerID, projectID, featureSlug)
	if err != nil {
		return decision, errs.NewFetchError("verify feature: resolve item", err)
	}
	if item == nil {
		decision.DeniedReason = DeniedFeatureNotFound
		return decision, nil
	}
	decision.FeatureType = item.FeatureType

	g.maybeActivateTrial(item, at)

	// Flat features are flags; no usage check applies.
	if item.FeatureType == models.FeatureTypeFlat {
		decision.Access = true
		return decision, nil
	}

	current, err := g.meter.GetCurrentUsage(ctx, customerID, projectID, featureSlug, at.Year(), int(at.Month()))
	if err != nil {
		log.Warnf("[FeatureGuard] Usage lookup failed for customer=%s feature=%s: %v", customerID, featureSlug, err)
		decision.DeniedReason = DeniedNoUsageRecord
		return decision, nil
	}

	used := current.Usage
	decision.CurrentUsage = &used
	limit := item.LimitValue
	if limit == nil {
		limit = current.LimitValue
	}
	if limit != nil {
		decision.Limit = limit
		remaining := *limit - used
		decision.Remaining = &remaining
		if used >= *limit {
			// Remaining is reported raw: negative on overshoot.
			decision.DeniedReason = DeniedUsageExceeded
			return decision, nil
		}
	}

	decision.Access = true
	return decision, nil
}

// VerifyFeatureStrict converts a denial into a domain error. Write-guarding
// call sites use it before mutating operations that consume a metered
// resource.
func (g *Guard) VerifyFeatureStrict(ctx context.Context, customerID, featureSlug, projectID string, at time.Time) (AccessDecision, error) {
	decision, err := g.VerifyFeature(ctx, customerID, featureSlug, projectID, at)
	if err != nil {
		return decision, err
	}
	if decision.Access {
		return decision, nil
	}
	switch decision.DeniedReason {
	case DeniedFeatureNotFound:
		return decision, errs.NewCustomerError(errs.CodeFeatureNotFoundInSubscription,
			"feature %s is not part of customer %s's subscription", featureSlug, customerID)
	case DeniedNoUsageRecord:
		return decision, errs.NewCustomerError(errs.CodeFeatureHasNoUsageRecord,
			"no usage record for feature %s", featureSlug)
	case DeniedUsageExceeded:
		return decision, errs.NewCustomerError(errs.CodeUsageExceeded,
			"usage limit exceeded for feature %s", featureSlug)
	default:
		return decision, errs.NewCustomerError(errs.CodeUnhandledError, "access denied")
	}
}

// maybeActivateTrial submits a lazy trial-to-active transition when
// verification observes an expired trial.
func (g *Guard) maybeActivateTrial(item *entitlements.SubscriptionItemCached, at time.Time) {
	if g.activator == nil || item.SubscriptionStatus != models.SubscriptionStatusTrialing {
		return
	}
	if item.TrialEndsAt == nil || at.Before(*item.TrialEndsAt) {
		return
	}
	subID := item.SubscriptionID
	g.tasks.Submit("trial-activate "+subID, func() {
		if err := g.activator.ActivateTrial(context.Background(), subID, at); err != nil {
			log.Warnf("[FeatureGuard] Lazy trial activation failed for subscription=%s: %v", subID, err)
		}
	})
}

// emit records the verification event off the request path; a failed emit
// never affects the returned decision.
func (g *Guard) emit(customerID, projectID, featureSlug string, decision AccessDecision, latency time.Duration) {
	ev := analytics.FeatureVerificationEvent{
		CustomerID:   customerID,
		ProjectID:    projectID,
		FeatureSlug:  featureSlug,
		Access:       decision.Access,
		DeniedReason: string(decision.DeniedReason),
		Latency:      latency,
		Timestamp:    g.Clock(),
	}
	g.tasks.Submit("verification-event "+customerID+":"+featureSlug, func() {
		if err := g.analytics.IngestFeatureVerification(context.Background(), ev); err != nil {
			log.Warnf("[FeatureGuard] Verification event ingest failed: %v", err)
		}
	})
}

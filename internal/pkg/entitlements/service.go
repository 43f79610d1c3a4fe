package entitlements

import (
	"context"
	"time"

	"github.com/jhonsfran1165/unprice-sub000/internal/pkg/cache"
)

// Service resolves a customer's active entitlements cache-first. The origin
// join runs only on misses and background refreshes.
type Service struct {
	repo  Repository
	cache *cache.Store
}

func NewService(repo Repository, store *cache.Store) *Service {
	return &Service{repo: repo, cache: store}
}

// customerFeatureLookup is the cached result for one (customer, feature)
// pair. Absence is cached too, so repeated probes for a feature outside the
// subscription do not hammer the origin.
type customerFeatureLookup struct {
	Found bool                   `json:"found"`
	Item  SubscriptionItemCached `json:"item"`
}

// GetEntitlements returns the customer's active entitlements at the given
// instant, served from the entitlements namespace.
func (s *Service) GetEntitlements(ctx context.Context, customerID, projectID string, at time.Time) ([]Entitlement, error) {
	items, err := cache.SWRJSON(ctx, s.cache, cache.NamespaceEntitlements, customerID,
		func(ctx context.Context) ([]SubscriptionItemCached, error) {
			return s.repo.ActiveSubscriptionItems(ctx, customerID, projectID, at)
		})
	if err != nil {
		return nil, err
	}
	out := make([]Entitlement, 0, len(items))
	for _, it := range items {
		out = append(out, it.Entitlement())
	}
	return out, nil
}

// GetCustomerFeature resolves the customer's current subscription item for
// one feature slug. A nil result means the feature is not part of any active
// phase.
func (s *Service) GetCustomerFeature(ctx context.Context, customerID, projectID, featureSlug string) (*SubscriptionItemCached, error) {
	key := customerID + ":" + featureSlug
	lookup, err := cache.SWRJSON(ctx, s.cache, cache.NamespaceFeatureByCustomer, key,
		func(ctx context.Context) (customerFeatureLookup, error) {
			items, err := s.repo.ActiveSubscriptionItems(ctx, customerID, projectID, time.Now())
			if err != nil {
				return customerFeatureLookup{}, err
			}
			for _, it := range items {
				if it.FeatureSlug == featureSlug {
					return customerFeatureLookup{Found: true, Item: it}, nil
				}
			}
			return customerFeatureLookup{}, nil
		})
	if err != nil {
		return nil, err
	}
	if !lookup.Found {
		return nil, nil
	}
	item := lookup.Item
	return &item, nil
}

// InvalidateCustomer drops the customer's entitlement caches. The state
// machine calls it after phase changes so a plan change never outlives the
// old entitlements by more than one request.
func (s *Service) InvalidateCustomer(ctx context.Context, customerID string, featureSlugs ...string) {
	s.cache.Remove(ctx, cache.NamespaceEntitlements, customerID)
	for _, slug := range featureSlugs {
		s.cache.Remove(ctx, cache.NamespaceFeatureByCustomer, customerID+":"+slug)
	}
}

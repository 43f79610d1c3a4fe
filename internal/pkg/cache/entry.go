package cache

import "time"

// Namespace groups cache keys that share fresh/stale windows.
type Namespace string

const (
	// NamespaceEntitlements holds per-customer entitlement lists. Entitlements
	// change rarely relative to usage, so the windows are long.
	NamespaceEntitlements Namespace = "entitlementsByCustomerId"
	// NamespaceFeatureByCustomer holds the per-(customer,feature) subscription
	// item projection.
	NamespaceFeatureByCustomer Namespace = "featureByCustomerId"
	// NamespaceCurrentUsage holds the current-period usage bucket; short
	// staleness keeps the read path close to the analytics aggregate.
	NamespaceCurrentUsage Namespace = "customerFeatureCurrentUsage"
	// NamespaceIdempotentUsage holds outcomes of usage reports keyed by the
	// request hash, collapsing duplicate deliveries.
	NamespaceIdempotentUsage Namespace = "idempotentRequestUsageByHash"
)

// Windows is the freshness configuration of a namespace. Fresh must be
// shorter than Stale (stale-while-revalidate).
type Windows struct {
	Fresh time.Duration
	Stale time.Duration
}

// Windows returns the fresh/stale windows for the namespace.
func (n Namespace) Windows() Windows {
	switch n {
	case NamespaceEntitlements, NamespaceFeatureByCustomer:
		return Windows{Fresh: 1 * time.Hour, Stale: 24 * time.Hour}
	case NamespaceCurrentUsage:
		return Windows{Fresh: 10 * time.Second, Stale: 1 * time.Minute}
	case NamespaceIdempotentUsage:
		return Windows{Fresh: 1 * time.Minute, Stale: 5 * time.Minute}
	default:
		return Windows{Fresh: 1 * time.Minute, Stale: 5 * time.Minute}
	}
}

// Entry is one cached value with its freshness window.
type Entry struct {
	Namespace  Namespace `json:"namespace"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	FreshUntil time.Time `json:"fresh_until"`
	StaleUntil time.Time `json:"stale_until"`
}

func fullKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

package analytics

import (
	"context"
	"time"
)

// FeatureUsageEvent is one reported consumption delta.
type FeatureUsageEvent struct {
	CustomerID     string    `json:"customer_id"`
	ProjectID      string    `json:"project_id"`
	FeatureSlug    string    `json:"feature_slug"`
	SubscriptionID string    `json:"subscription_id"`
	Usage          int64     `json:"usage"`
	Timestamp      time.Time `json:"timestamp"`
}

// FeatureVerificationEvent records one access decision, allowed or not.
type FeatureVerificationEvent struct {
	CustomerID   string        `json:"customer_id"`
	ProjectID    string        `json:"project_id"`
	FeatureSlug  string        `json:"feature_slug"`
	Access       bool          `json:"access"`
	DeniedReason string        `json:"denied_reason,omitempty"`
	Latency      time.Duration `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Aggregate is the per-period rollup of usage events under every supported
// aggregation method; the caller picks the one its feature is configured for.
type Aggregate struct {
	Sum   int64 `json:"sum"`
	Count int64 `json:"count"`
	Max   int64 `json:"max"`
	Last  int64 `json:"last"`
}

// Value returns the aggregate under the given aggregation method.
func (a Aggregate) Value(method string) int64 {
	switch method {
	case "count":
		return a.Count
	case "max":
		return a.Max
	case "last":
		return a.Last
	default:
		return a.Sum
	}
}

// Store is the append-only analytics collaborator. Ingestion is best-effort
// from the caller's point of view (failures are logged and dropped); range
// queries are eventually consistent with the relational aggregate.
type Store interface {
	IngestFeatureUsage(ctx context.Context, ev FeatureUsageEvent) error
	IngestFeatureVerification(ctx context.Context, ev FeatureVerificationEvent) error
	GetUsageFeature(ctx context.Context, customerID, featureSlug string, start, end time.Time) (Aggregate, error)
}

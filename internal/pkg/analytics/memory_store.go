package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps events and aggregates in process. It backs tests and
// single-node dev setups where no analytics cluster is available.
type MemoryStore struct {
	mu            sync.Mutex
	usage         []FeatureUsageEvent
	verifications []FeatureVerificationEvent
	aggregates    map[string]Aggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{aggregates: make(map[string]Aggregate)}
}

func (s *MemoryStore) IngestFeatureUsage(_ context.Context, ev FeatureUsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, ev)
	key := fmt.Sprintf("%s:%s:%04d-%02d", ev.CustomerID, ev.FeatureSlug, ev.Timestamp.Year(), int(ev.Timestamp.Month()))
	agg := s.aggregates[key]
	agg.Sum += ev.Usage
	agg.Count++
	if ev.Usage > agg.Max {
		agg.Max = ev.Usage
	}
	agg.Last = ev.Usage
	s.aggregates[key] = agg
	return nil
}

func (s *MemoryStore) IngestFeatureVerification(_ context.Context, ev FeatureVerificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications = append(s.verifications, ev)
	return nil
}

func (s *MemoryStore) GetUsageFeature(_ context.Context, customerID, featureSlug string, start, end time.Time) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Aggregate
	for cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location()); !cursor.After(end); cursor = cursor.AddDate(0, 1, 0) {
		key := fmt.Sprintf("%s:%s:%04d-%02d", customerID, featureSlug, cursor.Year(), int(cursor.Month()))
		agg, ok := s.aggregates[key]
		if !ok {
			continue
		}
		out.Sum += agg.Sum
		out.Count += agg.Count
		if agg.Max > out.Max {
			out.Max = agg.Max
		}
		out.Last = agg.Last
	}
	return out, nil
}

// Verifications returns a copy of the recorded verification events.
func (s *MemoryStore) Verifications() []FeatureVerificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeatureVerificationEvent, len(s.verifications))
	copy(out, s.verifications)
	return out
}

// UsageEvents returns a copy of the recorded usage events.
func (s *MemoryStore) UsageEvents() []FeatureUsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FeatureUsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageStreamKey        = "analytics:features:usage"
	verificationStreamKey = "analytics:features:verification"
	streamMaxLen          = 100_000
)

// RedisStore ingests events into capped Redis streams and maintains
// per-(customer, feature, month) aggregate hashes the range query reads.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func aggregateKey(customerID, featureSlug string, year int, month time.Month) string {
	return fmt.Sprintf("analytics:agg:%s:%s:%04d-%02d", customerID, featureSlug, year, int(month))
}

func (s *RedisStore) IngestFeatureUsage(ctx context.Context, ev FeatureUsageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: usageStreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	})

	key := aggregateKey(ev.CustomerID, ev.FeatureSlug, ev.Timestamp.Year(), ev.Timestamp.Month())
	pipe.HIncrBy(ctx, key, "sum", ev.Usage)
	pipe.HIncrBy(ctx, key, "count", 1)
	pipe.HSet(ctx, key, "last", ev.Usage)
	pipe.Expire(ctx, key, 400*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	// Max is a read-modify-write; a lost race only understates until the
	// next event, which the eventually-consistent contract allows.
	cur, err := s.client.HGet(ctx, key, "max").Int64()
	if err != nil && err != redis.Nil {
		return err
	}
	if ev.Usage > cur {
		return s.client.HSet(ctx, key, "max", ev.Usage).Err()
	}
	return nil
}

func (s *RedisStore) IngestFeatureVerification(ctx context.Context, ev FeatureVerificationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: verificationStreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
}

func (s *RedisStore) GetUsageFeature(ctx context.Context, customerID, featureSlug string, start, end time.Time) (Aggregate, error) {
	var agg Aggregate
	for cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location()); !cursor.After(end); cursor = cursor.AddDate(0, 1, 0) {
		key := aggregateKey(customerID, featureSlug, cursor.Year(), cursor.Month())
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return Aggregate{}, err
		}
		if len(fields) == 0 {
			continue
		}
		agg.Sum += parseField(fields, "sum")
		agg.Count += parseField(fields, "count")
		if m := parseField(fields, "max"); m > agg.Max {
			agg.Max = m
		}
		agg.Last = parseField(fields, "last")
	}
	return agg, nil
}

func parseField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

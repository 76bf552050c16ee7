package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// incrementScript performs the compare-and-increment inside Redis.
// KEYS[1] counter hash. ARGV: amount, day id, month id, now (unix).
// Returns {applied, provisioned, count, limit, period_id}.
var incrementScript = redis.NewScript(`
local limit = redis.call('HGET', KEYS[1], 'limit')
if not limit then
  return {0, 0, 0, 0, ''}
end
limit = tonumber(limit)
local period = redis.call('HGET', KEYS[1], 'period')
local pid = redis.call('HGET', KEYS[1], 'period_id') or ''
local cur = pid
if period == 'day' then cur = ARGV[2] elseif period == 'month' then cur = ARGV[3] end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if pid ~= cur then count = 0 end
local amount = tonumber(ARGV[1])
if limit >= 0 and count + amount > limit then
  return {0, 1, count, limit, cur}
end
count = count + amount
redis.call('HSET', KEYS[1], 'count', count, 'period_id', cur, 'updated_at', ARGV[4])
return {1, 1, count, limit, cur}
`)

// RedisStore keeps counters in Redis hashes so every node shares them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "appgrant:usage:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(tenantID, resource string) string {
	return s.prefix + tenantID + ":" + resource
}

func (s *RedisStore) tenantIndex(tenantID string) string {
	return s.prefix + "tenant:" + tenantID
}

// IncrementIfAllowed implements Store.
func (s *RedisStore) IncrementIfAllowed(ctx context.Context, tenantID, resource string, amount int64, now time.Time) (IncrementOutcome, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(tenantID, resource)},
		amount, PeriodDay.ID(now), PeriodMonth.ID(now), now.Unix()).Slice()
	if err != nil {
		return IncrementOutcome{}, fmt.Errorf("redis increment failed: %w", err)
	}
	if len(res) != 5 {
		return IncrementOutcome{}, fmt.Errorf("unexpected increment reply length %d", len(res))
	}
	out := IncrementOutcome{
		Applied:     toInt64(res[0]) == 1,
		Provisioned: toInt64(res[1]) == 1,
		Count:       toInt64(res[2]),
		Limit:       toInt64(res[3]),
	}
	out.PeriodID, _ = res[4].(string)
	return out, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID, resource string) (*Counter, error) {
	fields, err := s.client.HGetAll(ctx, s.key(tenantID, resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	}
	c := counterFromHash(tenantID, resource, fields)
	v := current(c, s.now())
	return &v, nil
}

func counterFromHash(tenantID, resource string, fields map[string]string) *Counter {
	c := &Counter{
		TenantID:    tenantID,
		ResourceKey: resource,
		Period:      Period(fields["period"]),
		PeriodID:    fields["period_id"],
	}
	c.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	c.Limit, _ = strconv.ParseInt(fields["limit"], 10, 64)
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		c.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return c
}

// List implements Store using the per-tenant resource index.
func (s *RedisStore) List(ctx context.Context, tenantID string) ([]*Counter, error) {
	resources, err := s.client.SMembers(ctx, s.tenantIndex(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed: %w", err)
	}
	sort.Strings(resources)

	out := make([]*Counter, 0, len(resources))
	for _, r := range resources {
		c, err := s.Get(ctx, tenantID, r)
		if billing.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SetLimit implements Store.
func (s *RedisStore) SetLimit(ctx context.Context, tenantID, resource string, limit int64, period Period, now time.Time) error {
	key := s.key(tenantID, resource)
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "count", 0)
	pipe.HSetNX(ctx, key, "period_id", period.ID(now))
	pipe.HSet(ctx, key, "limit", limit, "period", string(period), "updated_at", now.Unix())
	pipe.SAdd(ctx, s.tenantIndex(tenantID), resource)
	pipe.SAdd(ctx, s.prefix+"tenants", tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set limit failed: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, tenantID, resource string, now time.Time) error {
	key := s.key(tenantID, resource)
	period, err := s.client.HGet(ctx, key, "period").Result()
	if err == redis.Nil {
		return &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	} else if err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return s.client.HSet(ctx, key, "count", 0, "period_id", Period(period).ID(now), "updated_at", now.Unix()).Err()
}

// ResetExpired implements Store. Increments already restart rolled counters,
// so this only makes reads and listings reflect the new period eagerly.
func (s *RedisStore) ResetExpired(ctx context.Context, now time.Time) (int64, error) {
	tenants, err := s.client.SMembers(ctx, s.prefix+"tenants").Result()
	if err != nil {
		return 0, fmt.Errorf("redis list tenants failed: %w", err)
	}
	var n int64
	for _, tenantID := range tenants {
		resources, err := s.client.SMembers(ctx, s.tenantIndex(tenantID)).Result()
		if err != nil {
			return n, fmt.Errorf("redis list resources failed: %w", err)
		}
		for _, r := range resources {
			fields, err := s.client.HMGet(ctx, s.key(tenantID, r), "period", "period_id").Result()
			if err != nil {
				return n, fmt.Errorf("redis read counter failed: %w", err)
			}
			period, _ := fields[0].(string)
			pid, _ := fields[1].(string)
			if period == "" || Period(period) == PeriodNever {
				continue
			}
			if Period(period).ID(now) != pid {
				if err := s.Reset(ctx, tenantID, r, now); err != nil {
					return n, err
				}
				n++
			}
		}
	}
	return n, nil
}

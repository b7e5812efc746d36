package armstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the live station state in Redis so every coordinator
// replica and the web UI see the same picture.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, stationID string) *RedisStore {
	return &RedisStore{client: client, prefix: "coffeehand:" + stationID + ":"}
}

func (r *RedisStore) key(name string) string { return r.prefix + name }

func (r *RedisStore) set(ctx context.Context, name string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(name), data, ttl).Err()
}

// get decodes the value under name into v. It reports false when the key
// does not exist.
func (r *RedisStore) get(ctx context.Context, name string, v any) (bool, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (r *RedisStore) SetArm(ctx context.Context, s *ArmState) error {
	return r.set(ctx, "arm", s, 0)
}

func (r *RedisStore) GetArm(ctx context.Context) (*ArmState, error) {
	var s ArmState
	ok, err := r.get(ctx, "arm", &s)
	if !ok || err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) SetActive(ctx context.Context, a *ActiveOrder) error {
	if a == nil {
		return r.client.Del(ctx, r.key("active")).Err()
	}
	return r.set(ctx, "active", a, 0)
}

func (r *RedisStore) GetActive(ctx context.Context) (*ActiveOrder, error) {
	var a ActiveOrder
	ok, err := r.get(ctx, "active", &a)
	if !ok || err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *RedisStore) SetLast(ctx context.Context, s *OrderSummary, ttl time.Duration) error {
	return r.set(ctx, "last", s, ttl)
}

func (r *RedisStore) GetLast(ctx context.Context) (*OrderSummary, error) {
	var s OrderSummary
	ok, err := r.get(ctx, "last", &s)
	if !ok || err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

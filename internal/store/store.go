// Package store provides typed access to the external state store backing
// the signaling runtime: strings-with-TTL, sets, sorted sets, lists, and
// hashes, plus the handful of atomic scripts the runner and modules need.
//
// It is built the same way internal/bus wraps go-redis: every call goes
// through a gobreaker circuit breaker so a Redis outage degrades individual
// RPCs instead of cascading into a crashed runner.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riftcall/signaling/internal/logging"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Sentinel errors per SPEC_FULL.md §4.1 / spec.md §4.1's error taxonomy.
var (
	// ErrNotFound is returned when a key or a requested value within a
	// collection does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTypeMismatch is returned when a key exists under a different
	// Redis type than the operation expects.
	ErrTypeMismatch = errors.New("store: type mismatch")
	// ErrTransport wraps an unrecoverable backend error (including the
	// circuit breaker being open).
	ErrTransport = errors.New("store: transport")
)

// Client is the typed state-store client (C1).
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// New wraps an existing *redis.Client with the circuit breaker used for
// every store RPC.
func New(rdb *redis.Client) *Client {
	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}
	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

// Raw returns the underlying redis client, for components (e.g. ratelimit)
// that need the unwrapped connection.
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	v, err := c.cb.Execute(fn)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
		logging.Warn(ctx, "store circuit breaker open", zap.String("op", op))
		return nil, fmt.Errorf("%w: %s: breaker open", ErrTransport, op)
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// --- String-with-TTL ---

// SetNX writes value under key iff absent, with an optional TTL (0 = no
// expiry). Returns whether the write happened. Grounds spec.md §4.1's
// "SET-if-not-exists with optional TTL" primitive (ticket write, automod
// config init, current-vote-id).
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	v, err := c.execute(ctx, "SETNX", func() (any, error) {
		return c.rdb.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Set unconditionally writes value under key with an optional TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.execute(ctx, "SET", func() (any, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// Get reads the string at key. Returns ErrNotFound if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.execute(ctx, "GET", func() (any, error) {
		return c.rdb.Get(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetDel atomically reads and deletes the string at key. Grounds spec.md
// §4.1's "Get-and-delete" primitive (ticket redemption, speaker rotation,
// one-shot resumption tokens).
func (c *Client) GetDel(ctx context.Context, key string) (string, error) {
	v, err := c.execute(ctx, "GETDEL", func() (any, error) {
		return c.rdb.GetDel(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetSet atomically writes value at key and returns the value previously
// stored there, or ErrNotFound if key was absent. Grounds automod's
// "swap active speaker, learn the previous one" primitive (original_source
// storage/speaker.rs's `SET ... GET`).
func (c *Client) GetSet(ctx context.Context, key, value string) (string, error) {
	v, err := c.execute(ctx, "GETSET", func() (any, error) {
		return c.rdb.GetSet(ctx, key, value).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Del deletes one or more keys; absent keys are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	_, err := c.execute(ctx, "DEL", func() (any, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	return err
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	v, err := c.execute(ctx, "EXISTS", func() (any, error) {
		return c.rdb.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

// --- Set ---

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.execute(ctx, "SADD", func() (any, error) {
		return nil, c.rdb.SAdd(ctx, key, args...).Err()
	})
	return err
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.execute(ctx, "SREM", func() (any, error) {
		return nil, c.rdb.SRem(ctx, key, args...).Err()
	})
	return err
}

// SMembers lists all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.execute(ctx, "SMEMBERS", func() (any, error) {
		return c.rdb.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// SIsMember reports whether member is in the set at key. Per
// original_source's allow_list semantics, callers treat an absent key as
// "anyone is eligible" (see modules/automod), not as false-for-all; this
// method reports the raw membership only.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := c.execute(ctx, "SISMEMBER", func() (any, error) {
		return c.rdb.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SRandMember returns a random member of the set at key, or ErrNotFound if
// empty.
func (c *Client) SRandMember(ctx context.Context, key string) (string, error) {
	v, err := c.execute(ctx, "SRANDMEMBER", func() (any, error) {
		return c.rdb.SRandMember(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// --- List ---

// RPush appends values to the tail of a list.
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := c.execute(ctx, "RPUSH", func() (any, error) {
		return nil, c.rdb.RPush(ctx, key, args...).Err()
	})
	return err
}

// LPop pops and returns the head of a list. Returns ErrNotFound if empty.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	v, err := c.execute(ctx, "LPOP", func() (any, error) {
		return c.rdb.LPop(ctx, key).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// LRem removes up to count occurrences of value from the list at key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	_, err := c.execute(ctx, "LREM", func() (any, error) {
		return nil, c.rdb.LRem(ctx, key, count, value).Err()
	})
	return err
}

// LRange returns the list at key, start..stop inclusive (Redis semantics).
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.execute(ctx, "LRANGE", func() (any, error) {
		return c.rdb.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// --- Sorted set ---

// ZAdd adds member with score to a sorted set. Score is typically a ms
// timestamp (history) or a tally count (polls).
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := c.execute(ctx, "ZADD", func() (any, error) {
		return nil, c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

// ZIncrBy increments member's score atomically. Grounds spec.md §4.1's
// "sorted-set increment" primitive (poll result tally).
func (c *Client) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	v, err := c.execute(ctx, "ZINCRBY", func() (any, error) {
		return c.rdb.ZIncrBy(ctx, key, increment, member).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// ZRangeByScore returns members scored within [min, max]. Grounds spec.md
// §4.1's "sorted-set range by score" primitive (history fetch "since t").
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := c.execute(ctx, "ZRANGEBYSCORE", func() (any, error) {
		return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// ZWithScores returns all (member, score) pairs.
func (c *Client) ZWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	v, err := c.execute(ctx, "ZRANGEWITHSCORES", func() (any, error) {
		return c.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.([]redis.Z), nil
}

// --- Hash ---

// HSet writes fields into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := c.execute(ctx, "HSET", func() (any, error) {
		return nil, c.rdb.HSet(ctx, key, fields).Err()
	})
	return err
}

// HDel removes fields from the hash at key; absent fields are ignored.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := c.execute(ctx, "HDEL", func() (any, error) {
		return nil, c.rdb.HDel(ctx, key, fields...).Err()
	})
	return err
}

// HGetAll reads every field of the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.execute(ctx, "HGETALL", func() (any, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	m := v.(map[string]string)
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.execute(ctx, "PING", func() (any, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

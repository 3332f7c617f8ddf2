// Package kvstore implements a Redis-backed key-value connector with lazy
// initialization, retrying connect, plain and deadline-bound resilient
// get/set, and an atomic Lua-script daily quota counter.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/retry"
)

// Client wraps a lazily-initialized go-redis client. A connection is only
// declared ready after a successful PING, and is re-verified (and torn
// down on failure) on every subsequent use.
type Client struct {
	url string

	mu    sync.RWMutex
	rdb   *redis.Client
	ready bool

	connectOpts retry.Options

	quotaScript *redis.Script
}

// NewClient constructs a kvstore.Client. connectOpts drives the lazy-connect
// retry schedule and is used as given; retry.DefaultOptions supplies the
// connector schedule of base 5s, multiplier 1.5, cap 60s.
func NewClient(url string, connectOpts retry.Options) *Client {
	return &Client{
		url:         url,
		connectOpts: connectOpts,
		quotaScript: redis.NewScript(dailyQuotaScript),
	}
}

// Connect ensures the client is initialized and pingable, retrying on the
// connectOpts schedule until it succeeds, connectOpts' MaxAttempts or
// Deadline budget runs out, or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	return retry.Do(ctx, c.connectOpts, c.tryInit)
}

func (c *Client) tryInit(ctx context.Context) error {
	c.mu.RLock()
	rdb, ready := c.rdb, c.ready
	c.mu.RUnlock()

	if ready && rdb != nil {
		if err := rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		c.mu.Lock()
		c.ready = false
		c.rdb = nil
		c.mu.Unlock()
	}

	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("op=kvstore.Client.tryInit: parse url: %w", err)
	}
	newClient := redis.NewClient(opts)
	if err := newClient.Ping(ctx).Err(); err != nil {
		newClient.Close()
		return fmt.Errorf("op=kvstore.Client.tryInit: ping: %w", err)
	}

	c.mu.Lock()
	c.rdb = newClient
	c.ready = true
	c.mu.Unlock()
	slog.Info("kv store connected")
	return nil
}

// Disconnect closes the underlying client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		err := c.rdb.Close()
		c.rdb = nil
		c.ready = false
		return err
	}
	return nil
}

func (c *Client) client(ctx context.Context) (*redis.Client, error) {
	if err := c.tryInit(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb, nil
}

// GetJSON retrieves and unmarshals a JSON value. Returns (false, nil) if the
// key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	start := time.Now()
	defer func() { observability.RecordKVOperation("get_json", time.Since(start)) }()

	rdb, err := c.client(ctx)
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Client.GetJSON: %w", err)
	}
	data, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Client.GetJSON: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("op=kvstore.Client.GetJSON: unmarshal: %w", err)
	}
	return true, nil
}

// SetJSON marshals value and stores it with an optional TTL (zero means no
// expiration).
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	start := time.Now()
	defer func() { observability.RecordKVOperation("set_json", time.Since(start)) }()

	rdb, err := c.client(ctx)
	if err != nil {
		return fmt.Errorf("op=kvstore.Client.SetJSON: %w", err)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=kvstore.Client.SetJSON: marshal: %w", err)
	}
	if err := rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("op=kvstore.Client.SetJSON: %w", err)
	}
	return nil
}

// Delete removes a key, returning whether it existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	rdb, err := c.client(ctx)
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Client.Delete: %w", err)
	}
	n, err := rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Client.Delete: %w", err)
	}
	return n > 0, nil
}

// Keys lists all keys matching a glob pattern (e.g. "task:*"). Intended for
// the bounded admin/listing surfaces, not hot paths.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	rdb, err := c.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.Client.Keys: %w", err)
	}
	var out []string
	iter := rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=kvstore.Client.Keys: %w", err)
	}
	return out, nil
}

// SAdd adds a member to a set (used for worker presence tracking).
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	rdb, err := c.client(ctx)
	if err != nil {
		return fmt.Errorf("op=kvstore.Client.SAdd: %w", err)
	}
	return rdb.SAdd(ctx, key, member).Err()
}

// SRem removes a member from a set.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	rdb, err := c.client(ctx)
	if err != nil {
		return fmt.Errorf("op=kvstore.Client.SRem: %w", err)
	}
	return rdb.SRem(ctx, key, member).Err()
}

// SMembers lists all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	rdb, err := c.client(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.Client.SMembers: %w", err)
	}
	return rdb.SMembers(ctx, key).Result()
}

// SetJSONResilient retries set_json on the broker's resilient-publish
// schedule (min(5.0*1.2^(attempt-1), 30.0) seconds — MaxDelay supplies the
// plateau) until maxWait elapses.
func (c *Client) SetJSONResilient(ctx context.Context, key string, value any, ttl, maxWait time.Duration) bool {
	opts := retry.Options{
		BaseDelay:  5 * time.Second,
		Multiplier: 1.2,
		MaxDelay:   30 * time.Second,
		Deadline:   maxWait,
	}
	err := retry.Do(ctx, opts, func(ctx context.Context) error {
		return c.SetJSON(ctx, key, value, ttl)
	})
	return err == nil
}

// GetJSONResilient retries get_json on the same schedule as
// SetJSONResilient (min(5.0*1.2^(attempt-1), 30.0) seconds) until maxWait
// elapses.
func (c *Client) GetJSONResilient(ctx context.Context, key string, out any, maxWait time.Duration) bool {
	opts := retry.Options{
		BaseDelay:  5 * time.Second,
		Multiplier: 1.2,
		MaxDelay:   30 * time.Second,
		Deadline:   maxWait,
	}
	var found bool
	err := retry.Do(ctx, opts, func(ctx context.Context) error {
		var ferr error
		found, ferr = c.GetJSON(ctx, key, out)
		return ferr
	})
	return err == nil && found
}

const dailyQuotaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local units = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local current = tonumber(redis.call('GET', key) or '0')
if (current + units) > limit then
  return {0, limit - current}
end
local newv = redis.call('INCRBY', key, units)
if tonumber(redis.call('TTL', key)) < 0 then
  redis.call('EXPIRE', key, ttl)
end
return {1, limit - newv}
`

// CheckAndConsumeDailyQuota atomically checks and increments a fixed-window
// daily counter at key, failing open (allowed=true) if Redis is unavailable
// so outages never block the whole system on quota enforcement.
func (c *Client) CheckAndConsumeDailyQuota(ctx context.Context, key string, limit, units int, secondsUntilReset int) (allowed bool, remaining int, err error) {
	if limit <= 0 {
		return true, 0, nil
	}
	rdb, cerr := c.client(ctx)
	if cerr != nil {
		slog.Warn("kv store unavailable, quota check bypassed (fail-open)", slog.Any("error", cerr))
		return true, 0, nil
	}

	res, serr := c.quotaScript.Run(ctx, rdb, []string{key}, limit, units, secondsUntilReset).Result()
	if serr != nil {
		slog.Error("daily quota script failed, failing open", slog.String("key", key), slog.Any("error", serr))
		return true, 0, nil
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return true, 0, nil
	}
	allowedInt, _ := vals[0].(int64)
	remainingInt, _ := vals[1].(int64)
	if remainingInt < 0 {
		remainingInt = 0
	}
	return allowedInt == 1, int(remainingInt), nil
}

// SecondsUntilEndOfDayUTC returns the number of seconds remaining until
// midnight UTC, used as the TTL/reset window for the daily quota key.
func SecondsUntilEndOfDayUTC(now time.Time) int {
	now = now.UTC()
	tomorrow := now.AddDate(0, 0, 1)
	end := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.UTC)
	secs := int(end.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// DailyQuotaKey builds the quota:daily:YYYYMMDD key for the global quota.
func DailyQuotaKey(now time.Time) string {
	return "quota:daily:" + now.UTC().Format("20060102")
}

// IsDNSError reports whether err looks like a DNS-resolution failure, used
// to distinguish transient DNS hiccups from hard connection refusals in
// logs (mirrors the connector's is_dns_error classification).
func IsDNSError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"name or service not known",
		"nodename nor servname provided",
		"getaddrinfo failed",
		"no such host",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

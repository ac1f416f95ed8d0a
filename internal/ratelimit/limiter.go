package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/fault"
)

// Decision is the limiter verdict for one hit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// StateHeader is a compact window summary for the X-RateLimit-State
	// response header.
	StateHeader string
}

// Config tunes the limiter client.
type Config struct {
	ServiceID string
	// Enabled short-circuits every check to allowed when false.
	Enabled bool
	// ConfigCacheTTL is how long a resolved ConfigState is reused before the
	// policy cell is consulted again.
	ConfigCacheTTL time.Duration
}

func DefaultLimiterConfig(serviceID string) Config {
	return Config{ServiceID: serviceID, Enabled: true, ConfigCacheTTL: 5 * time.Second}
}

// slidingWindow evaluates every rule of a policy atomically. An active
// timeout rejects without consuming; a violated rule installs the timeout;
// an allowed hit lands in all rule windows.
var slidingWindow = redis.NewScript(`
local timeout = redis.call("PTTL", KEYS[1])
if timeout > 0 then
  return {0, timeout, -1}
end

local now = tonumber(ARGV[1])
local member = ARGV[2]
local n = tonumber(ARGV[3])
local remaining = -1

for i = 1, n do
  local key = KEYS[1 + i]
  local max = tonumber(ARGV[3 + (i - 1) * 3 + 1])
  local period = tonumber(ARGV[3 + (i - 1) * 3 + 2])
  local lockout = tonumber(ARGV[3 + (i - 1) * 3 + 3])

  redis.call("ZREMRANGEBYSCORE", key, "-inf", now - period)
  local count = redis.call("ZCARD", key)
  if count >= max then
    redis.call("SET", KEYS[1], "1", "PX", lockout)
    return {0, lockout, 0}
  end
  local left = max - count - 1
  if remaining < 0 or left < remaining then
    remaining = left
  end
end

for i = 1, n do
  local key = KEYS[1 + i]
  local period = tonumber(ARGV[3 + (i - 1) * 3 + 2])
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, period)
end
return {1, 0, remaining}
`)

// Limiter checks hits against the policies in the RateLimitConfig cell,
// partitioned by principal. KV trouble fails open behind a breaker: denying
// all traffic because redis blinked is worse than briefly not limiting.
type Limiter struct {
	cfg     Config
	rdb     redis.UniversalClient
	rt      *cell.Runtime
	cache   *expirable.LRU[string, ConfigState]
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewLimiter(cfg Config, rdb redis.UniversalClient, rt *cell.Runtime, logger *slog.Logger) *Limiter {
	if cfg.ConfigCacheTTL <= 0 {
		cfg.ConfigCacheTTL = 5 * time.Second
	}
	return &Limiter{
		cfg:   cfg,
		rdb:   rdb,
		rt:    rt,
		cache: expirable.NewLRU[string, ConfigState](16, nil, cfg.ConfigCacheTTL),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ratelimit-kv",
			Timeout: 10 * time.Second,
		}),
		logger: logger,
	}
}

func (l *Limiter) config(ctx context.Context) (ConfigState, error) {
	if state, ok := l.cache.Get("config"); ok {
		return state, nil
	}
	var state ConfigState
	if err := l.rt.Invoke(ctx, ConfigIdentity(), "get", nil, &state); err != nil {
		return ConfigState{}, err
	}
	l.cache.Add("config", state)
	return state, nil
}

// Check evaluates one hit on endpoint for the given partition key (user ID or
// anonymous source).
func (l *Limiter) Check(ctx context.Context, endpoint, partition string) (Decision, error) {
	allowed := Decision{Allowed: true, StateHeader: "ok"}
	if !l.cfg.Enabled {
		return allowed, nil
	}
	state, err := l.config(ctx)
	if err != nil {
		l.logger.Warn("rate limit config unavailable, failing open", "endpoint", endpoint, "err", err)
		return allowed, nil
	}
	if !state.Enabled {
		return allowed, nil
	}
	policy := state.Resolve(endpoint)
	if policy == nil || len(policy.Rules) == 0 {
		return allowed, nil
	}

	keys := make([]string, 0, len(policy.Rules)+1)
	keys = append(keys, fmt.Sprintf("titan:%s:rl:%s:%s:timeout", l.cfg.ServiceID, policy.Name, partition))
	args := []any{
		time.Now().UnixMilli(),
		fmt.Sprintf("%d-%s", time.Now().UnixNano(), partition),
		len(policy.Rules),
	}
	for i, r := range policy.Rules {
		keys = append(keys, fmt.Sprintf("titan:%s:rl:%s:%s:%d", l.cfg.ServiceID, policy.Name, partition, i))
		args = append(args, r.MaxHits, r.PeriodSeconds*1000, r.TimeoutSeconds*1000)
	}

	res, err := l.breaker.Execute(func() (any, error) {
		return slidingWindow.Run(ctx, l.rdb, keys, args...).Int64Slice()
	})
	if err != nil {
		l.logger.Warn("rate limit KV unavailable, failing open", "endpoint", endpoint, "err", err)
		return allowed, nil
	}
	vals, ok := res.([]int64)
	if !ok || len(vals) < 3 {
		l.logger.Error("rate limit script returned unexpected shape", "endpoint", endpoint)
		return allowed, nil
	}

	if vals[0] == 1 {
		return Decision{
			Allowed:     true,
			StateHeader: fmt.Sprintf("%s;remaining=%d", policy.Name, vals[2]),
		}, nil
	}
	retryAfter := time.Duration(vals[1]) * time.Millisecond
	return Decision{
		Allowed:     false,
		RetryAfter:  retryAfter,
		StateHeader: fmt.Sprintf("%s;timeout", policy.Name),
	}, nil
}

// Fault builds the error a denied caller should see.
func (d Decision) Fault() error {
	return fault.RateLimited(int(d.RetryAfter.Round(time.Second) / time.Second))
}

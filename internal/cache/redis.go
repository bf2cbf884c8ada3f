// Package cache: Redis-backed implementation using go-redis/v8, built on a
// Lua-script approach (pre-compiled scripts, KEYS/ARGV convention,
// HGETALL-style atomic read-modify-write) generalized to a three-counter
// limit/reserved/committed model, with an idempotency-key pattern around
// the reserve/commit/rollback scripts.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const idemTTL = 24 * time.Hour

// Redis is a Cache backed by a single *redis.Client (or cluster-capable
// redis.Cmdable), with every multi-step operation expressed as a
// server-side Lua script for atomicity.
type Redis struct {
	client redis.Cmdable

	initLimitScript *redis.Script
	reserveScript   *redis.Script
	finalizeScript  *redis.Script
	cancelScript    *redis.Script
	rateLimitScript *redis.Script
}

// NewRedis wraps an already-connected client. Dialing/pool tuning is the
// caller's responsibility (see cmd/api/main.go): the redis.Client is
// constructed once at startup and passed down rather than re-dialed per
// package.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{
		client:          client,
		initLimitScript: redis.NewScript(initLimitLua),
		reserveScript:   redis.NewScript(reserveLua),
		finalizeScript:  redis.NewScript(finalizeLua),
		cancelScript:    redis.NewScript(cancelLua),
		rateLimitScript: redis.NewScript(rateLimitLua),
	}
}

func limitKey(account string) string                { return fmt.Sprintf("budget:limit:%s", account) }
func reservedKey(account, period string) string     { return fmt.Sprintf("budget:reserved:%s:%s", account, period) }
func committedKey(account, period string) string     { return fmt.Sprintf("budget:committed:%s:%s", account, period) }
func idemKey(operation, idempotencyKey string) string { return fmt.Sprintf("processed:%s:%s", operation, idempotencyKey) }

// initLimitLua: set idempotency key NX, and only on success increment the
// limit counter — so a retried mint with the same lot id is a no-op.
const initLimitLua = `
local limit_key = KEYS[1]
local idem_key = KEYS[2]
local delta = tonumber(ARGV[1])

local set = redis.call('SET', idem_key, '1', 'NX', 'EX', ARGV[2])
if not set then
    return 0
end
redis.call('INCRBY', limit_key, delta)
return 1
`

// reserveLua: available = limit - committed - reserved; CAS-style reserve
// increment gated on idempotencyKey so retries of the same reservation
// return the original decision rather than double-reserving.
const reserveLua = `
local limit_key = KEYS[1]
local reserved_key = KEYS[2]
local committed_key = KEYS[3]
local idem_key = KEYS[4]
local cents = tonumber(ARGV[1])
local ttl = ARGV[2]

local already = redis.call('GET', idem_key)
if already then
    if already == 'ok' then
        return {1, 0}
    end
    return {0, tonumber(already)}
end

local limit = tonumber(redis.call('GET', limit_key) or '0')
local reserved = tonumber(redis.call('GET', reserved_key) or '0')
local committed = tonumber(redis.call('GET', committed_key) or '0')
local available = limit - committed - reserved

if cents > available then
    local shortfall = cents - available
    redis.call('SET', idem_key, tostring(shortfall), 'EX', ttl)
    return {0, shortfall}
end

redis.call('INCRBY', reserved_key, cents)
redis.call('SET', idem_key, 'ok', 'EX', ttl)
return {1, 0}
`

// finalizeLua: subtract reservedCents from reserved, add actualCents to
// committed. shadow=0 caps actualCents at reservedCents before adding;
// shadow=1 adds the full actualCents and reports the excess as overrun.
const finalizeLua = `
local reserved_key = KEYS[1]
local committed_key = KEYS[2]
local idem_key = KEYS[3]
local reserved_cents = tonumber(ARGV[1])
local actual_cents = tonumber(ARGV[2])
local shadow = ARGV[3]
local ttl = ARGV[4]

local already = redis.call('GET', idem_key)
if already then
    return {0, 0}
end

local cur_reserved = tonumber(redis.call('GET', reserved_key) or '0')
if cur_reserved >= reserved_cents then
    redis.call('DECRBY', reserved_key, reserved_cents)
else
    redis.call('SET', reserved_key, '0')
end

local to_commit = actual_cents
local overrun = 0
if shadow == '0' and actual_cents > reserved_cents then
    to_commit = reserved_cents
elseif shadow == '1' and actual_cents > reserved_cents then
    overrun = actual_cents - reserved_cents
end

redis.call('INCRBY', committed_key, to_commit)
redis.call('SET', idem_key, '1', 'EX', ttl)
return {to_commit, overrun}
`

// cancelLua: decrement reserved only, idempotent on idempotencyKey.
const cancelLua = `
local reserved_key = KEYS[1]
local idem_key = KEYS[2]
local cents = tonumber(ARGV[1])
local ttl = ARGV[2]

local already = redis.call('GET', idem_key)
if already then
    return 0
end

local cur = tonumber(redis.call('GET', reserved_key) or '0')
if cur >= cents then
    redis.call('DECRBY', reserved_key, cents)
else
    redis.call('SET', reserved_key, '0')
end
redis.call('SET', idem_key, '1', 'EX', ttl)
return 1
`

// rateLimitLua: fixed-window counter, self-expiring on the first increment
// of each window so a quiet key doesn't leak memory between bursts.
const rateLimitLua = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('EXPIRE', key, window)
end
if count > limit then
    local ttl = redis.call('TTL', key)
    if ttl < 0 then
        ttl = window
    end
    return {0, ttl}
end
return {1, 0}
`

func (r *Redis) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	res, err := r.rateLimitScript.Run(ctx, r.client,
		[]string{rateLimitKey(key)},
		limit, int(window.Seconds()),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cache: rate_limit failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("cache: rate_limit returned unexpected shape %#v", res)
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Second
	return allowed, retryAfter, nil
}

func rateLimitKey(key string) string { return fmt.Sprintf("ratelimit:%s", key) }

func (r *Redis) InitLimit(ctx context.Context, account, idempotencyKey string, deltaCents int64) (bool, error) {
	res, err := r.initLimitScript.Run(ctx, r.client,
		[]string{limitKey(account), idemKey("mint", idempotencyKey)},
		deltaCents, int(idemTTL.Seconds()),
	).Result()
	if err != nil {
		return false, fmt.Errorf("cache: init_limit failed: %w", err)
	}
	return toInt64(res) == 1, nil
}

func (r *Redis) Reserve(ctx context.Context, account, period, idempotencyKey string, cents int64) (ReserveResult, error) {
	res, err := r.reserveScript.Run(ctx, r.client,
		[]string{limitKey(account), reservedKey(account, period), committedKey(account, period), idemKey("reserve", idempotencyKey)},
		cents, int(idemTTL.Seconds()),
	).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("cache: reserve failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return ReserveResult{}, fmt.Errorf("cache: reserve returned unexpected shape %#v", res)
	}
	ok1 := toInt64(vals[0]) == 1
	shortfall := toInt64(vals[1])
	return ReserveResult{OK: ok1, Shortfall: shortfall}, nil
}

func (r *Redis) Finalize(ctx context.Context, account, period, idempotencyKey string, reservedCents, actualCents int64, shadow bool) (FinalizeResult, error) {
	shadowArg := "0"
	if shadow {
		shadowArg = "1"
	}
	res, err := r.finalizeScript.Run(ctx, r.client,
		[]string{reservedKey(account, period), committedKey(account, period), idemKey("finalize", idempotencyKey)},
		reservedCents, actualCents, shadowArg, int(idemTTL.Seconds()),
	).Result()
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("cache: finalize failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return FinalizeResult{}, fmt.Errorf("cache: finalize returned unexpected shape %#v", res)
	}
	return FinalizeResult{CommittedDelta: toInt64(vals[0]), Overrun: toInt64(vals[1])}, nil
}

func (r *Redis) Cancel(ctx context.Context, account, period, idempotencyKey string, cents int64) error {
	_, err := r.cancelScript.Run(ctx, r.client,
		[]string{reservedKey(account, period), idemKey("cancel", idempotencyKey)},
		cents, int(idemTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("cache: cancel failed: %w", err)
	}
	return nil
}

func (r *Redis) Snapshot(ctx context.Context, account, period string) (limit, reserved, committed int64, err error) {
	pipe := r.client.Pipeline()
	limitCmd := pipe.Get(ctx, limitKey(account))
	reservedCmd := pipe.Get(ctx, reservedKey(account, period))
	committedCmd := pipe.Get(ctx, committedKey(account, period))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("cache: snapshot failed: %w", err)
	}
	limit = parseIntOrZero(limitCmd.Val())
	reserved = parseIntOrZero(reservedCmd.Val())
	committed = parseIntOrZero(committedCmd.Val())
	return limit, reserved, committed, nil
}

func lockKey(key string) string { return fmt.Sprintf("lock:%s", key) }

// TryLock implements Locker with a single SET NX EX, matching the
// teacher-adjacent inferrouter idempotency-key pattern rather than a
// Redlock-style multi-node protocol, which this single-instance client has
// no way to honor anyway.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: try_lock failed: %w", err)
	}
	return ok, nil
}

// Unlock deletes the lock key outright. A holder that loses the lock to
// TTL expiry before calling Unlock simply deletes a key someone else may
// now own; this is an accepted narrow race for the webhook-dedup use case,
// where the Store's UNIQUE(provider,event_id) is the final backstop.
func (r *Redis) Unlock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: unlock failed: %w", err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func parseIntOrZero(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

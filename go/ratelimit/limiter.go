// Package ratelimit implements a per-user distributed token bucket whose
// capacity adapts to upstream 429 pressure. All bucket state lives in Redis
// so that every worker process shares one view of a user's budget.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultBaseRequests is the bucket capacity at factor 1.0.
	DefaultBaseRequests = 200
	// DefaultWindow is the refill interval of the bucket.
	DefaultWindow = 10 * time.Second

	minFactor       = 0.5
	maxFactor       = 1.5
	reductionFactor = 0.9
	increaseFactor  = 1.01
	statsWindow     = time.Hour
	recent429Window = 5 * time.Minute
	timestampsKept  = 100
)

var (
	deniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brx_ratelimit_denied_total",
		Help: "Requests denied by the local token bucket.",
	})
	failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brx_ratelimit_fail_open_total",
		Help: "Acquire calls allowed because Redis was unreachable.",
	})
)

// KV is the slice of the Redis API the limiter uses. *redis.Client
// implements it.
type KV interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// acquireScript refills the bucket to capacity once the window elapses, then
// deducts the requested tokens or reports the wait until the next refill.
// Times are unix milliseconds so fractional waits survive the integer reply.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'refill_time')
local tokens = tonumber(bucket[1])
local refill_time = tonumber(bucket[2])

if not tokens then
  tokens = max_tokens
  refill_time = now_ms + window_ms
end
if now_ms >= refill_time then
  tokens = max_tokens
  refill_time = now_ms + window_ms
end

if tokens >= requested then
  tokens = tokens - requested
  redis.call('HMSET', key, 'tokens', tokens, 'refill_time', refill_time)
  redis.call('PEXPIRE', key, window_ms * 2)
  return {1, 0, tokens}
end
return {0, math.max(0, refill_time - now_ms), tokens}
`)

// Limiter is safe for concurrent use.
type Limiter struct {
	kv     KV
	base   int
	window time.Duration
	now    func() time.Time // test hook
}

// New builds a Limiter over kv with the given base capacity and window.
func New(kv KV, base int, window time.Duration) *Limiter {
	if base <= 0 {
		base = DefaultBaseRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{kv: kv, base: base, window: window, now: time.Now}
}

func bucketKey(user string) string { return "rate_limit:" + user }
func factorKey(user string) string { return "rate_limit:" + user + ":factor" }
func statsKey(user, s string) string {
	return "rate_limit:" + user + ":stats:" + s
}

// Acquire consumes n tokens from the user's bucket. When denied, wait is how
// long until the bucket refills. Redis errors fail open: the request is
// allowed and the error is swallowed after logging, because a broken limiter
// must never take the sync path down with it.
func (l *Limiter) Acquire(ctx context.Context, user string, n int) (allowed bool, wait time.Duration, err error) {
	var factor = l.factor(ctx, user)
	var effective = int(float64(l.base) * factor)
	var nowMS = l.now().UnixMilli()

	var res, runErr = acquireScript.Run(ctx, l.kv,
		[]string{bucketKey(user)},
		effective, l.window.Milliseconds(), nowMS, n,
	).Slice()
	if runErr != nil {
		log.WithFields(log.Fields{"user": user, "err": runErr}).
			Error("rate limiter unavailable, failing open")
		failOpenTotal.Inc()
		return true, 0, nil
	}

	allowed = toInt64(res[0]) == 1
	wait = time.Duration(toInt64(res[1])) * time.Millisecond

	if remaining := toInt64(res[2]); allowed && remaining < int64(float64(effective)*0.1) {
		log.WithFields(log.Fields{
			"user":      user,
			"remaining": remaining,
			"limit":     effective,
		}).Debug("user approaching rate limit")
	}
	if !allowed {
		deniedTotal.Inc()
	}
	return allowed, wait, nil
}

// OnLimitExceeded records an upstream 429 and shrinks the user's factor.
func (l *Limiter) OnLimitExceeded(ctx context.Context, user string) {
	var now = l.now()

	l.kv.Incr(ctx, statsKey(user, "429_count"))
	l.kv.Expire(ctx, statsKey(user, "429_count"), statsWindow)

	var tsKey = statsKey(user, "429_timestamps")
	l.kv.LPush(ctx, tsKey, now.UnixMilli())
	l.kv.LTrim(ctx, tsKey, 0, timestampsKept)
	l.kv.Expire(ctx, tsKey, statsWindow)

	var current = l.factor(ctx, user)
	var next = current * reductionFactor
	if next < minFactor {
		next = minFactor
	}
	l.setFactor(ctx, user, next)

	log.WithFields(log.Fields{
		"user": user,
		"from": current,
		"to":   next,
	}).Warn("received 429, reducing rate limit factor")
}

// OnSuccess records a successful upstream call and, absent recent 429s,
// lets a depressed factor creep back toward 1.0.
func (l *Limiter) OnSuccess(ctx context.Context, user string) {
	l.kv.Incr(ctx, statsKey(user, "success_count"))
	l.kv.Expire(ctx, statsKey(user, "success_count"), statsWindow)

	if l.recent429s(ctx, user, recent429Window) > 0 {
		return
	}
	var current = l.factor(ctx, user)
	if current >= 1.0 {
		return
	}
	var next = current * increaseFactor
	if next > maxFactor {
		next = maxFactor
	}
	l.setFactor(ctx, user, next)
}

// Stats describes a user's current throttling posture.
type Stats struct {
	UserID         string  `json:"user_id"`
	BaseLimit      int     `json:"base_limit"`
	AdaptiveFactor float64 `json:"adaptive_factor"`
	EffectiveLimit int     `json:"effective_limit"`
	Count429       int64   `json:"429_count_1h"`
	CountSuccess   int64   `json:"success_count_1h"`
	Recent429s     int     `json:"recent_429s_5m"`
}

// Stats returns the user's factor, effective limit, and counters.
func (l *Limiter) Stats(ctx context.Context, user string) Stats {
	var factor = l.factor(ctx, user)
	return Stats{
		UserID:         user,
		BaseLimit:      l.base,
		AdaptiveFactor: factor,
		EffectiveLimit: int(float64(l.base) * factor),
		Count429:       l.counter(ctx, statsKey(user, "429_count")),
		CountSuccess:   l.counter(ctx, statsKey(user, "success_count")),
		Recent429s:     l.recent429s(ctx, user, recent429Window),
	}
}

// Reset clears all limiter state of a user.
func (l *Limiter) Reset(ctx context.Context, user string) error {
	var keys, err = l.kv.Keys(ctx, "rate_limit:"+user+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err = l.kv.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	log.WithField("user", user).Info("reset rate limit state")
	return nil
}

func (l *Limiter) factor(ctx context.Context, user string) float64 {
	var raw, err = l.kv.Get(ctx, factorKey(user)).Result()
	if err != nil {
		return 1.0
	}
	var f, perr = strconv.ParseFloat(raw, 64)
	if perr != nil {
		return 1.0
	}
	return f
}

func (l *Limiter) setFactor(ctx context.Context, user string, f float64) {
	l.kv.SetEx(ctx, factorKey(user), strconv.FormatFloat(f, 'f', -1, 64), statsWindow)
}

func (l *Limiter) recent429s(ctx context.Context, user string, window time.Duration) int {
	var raw, err = l.kv.LRange(ctx, statsKey(user, "429_timestamps"), 0, -1).Result()
	if err != nil {
		return 0
	}
	var cutoff = l.now().Add(-window).UnixMilli()
	var count int
	for _, s := range raw {
		if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil && ms > cutoff {
			count++
		}
	}
	return count
}

func (l *Limiter) counter(ctx context.Context, key string) int64 {
	var raw, err = l.kv.Get(ctx, key).Result()
	if err != nil {
		return 0
	}
	var n, _ = strconv.ParseInt(raw, 10, 64)
	return n
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n, _ = strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// Package breaker implements a Redis-backed circuit breaker shared by every
// worker that talks to the marketplace. One marketplace outage is one
// outage: the breaker state is global, not per process or per user.
package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// State of the circuit.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Failure kinds recorded against the breaker.
const (
	KindRateLimit = "rate_limit"
	KindGeneric   = "generic"
	KindNetwork   = "network"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultTimeout          = 60 * time.Second
	halfOpenWindow          = 30 * time.Second
	timestampsKept          = 100
)

const circuitKey = "circuit_breaker:marketplace"

var stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "brx_breaker_open",
	Help: "1 while the marketplace circuit breaker is OPEN.",
})

// KV is the slice of the Redis API the breaker uses. *redis.Client
// implements it.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

// Breaker is safe for concurrent use across processes.
type Breaker struct {
	kv               KV
	failureThreshold int64
	successThreshold int64
	timeout          time.Duration
	now              func() time.Time // test hook
}

// New builds a Breaker with the standard thresholds.
func New(kv KV) *Breaker {
	return &Breaker{
		kv:               kv,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		timeout:          defaultTimeout,
		now:              time.Now,
	}
}

func key(suffix string) string { return circuitKey + ":" + suffix }

// Allow reports whether a marketplace call may proceed. An OPEN circuit past
// its timeout flips to HALF_OPEN and admits the call as a probe. Redis
// errors fail open.
func (b *Breaker) Allow(ctx context.Context) error {
	var state = b.state(ctx)
	if state != Open {
		return nil
	}
	if b.shouldAttemptReset(ctx) {
		log.Info("circuit breaker attempting reset to HALF_OPEN")
		b.setState(ctx, HalfOpen)
		b.kv.Del(ctx, key("successes"))
		return nil
	}
	return errs.New(errs.CodeMarketplaceUnavailable,
		"marketplace circuit breaker is open, retry in %s", b.timeout).
		With("retry_after_seconds", int(b.timeout.Seconds()))
}

// RecordFailure counts a terminal marketplace failure of the given kind and
// opens the circuit at the failure threshold. A failure during a HALF_OPEN
// probe reopens the circuit immediately.
func (b *Breaker) RecordFailure(ctx context.Context, kind string) {
	if b.state(ctx) == HalfOpen {
		b.kv.HIncrBy(ctx, key("error_types"), kind, 1)
		b.kv.Expire(ctx, key("error_types"), b.timeout)
		b.reopen(ctx)
		return
	}
	var failures, err = b.kv.Incr(ctx, key("failures")).Result()
	if err != nil {
		log.WithField("err", err).Error("circuit breaker failed to record failure")
		return
	}
	b.kv.Expire(ctx, key("failures"), b.timeout)

	b.kv.LPush(ctx, key("failure_timestamps"), b.now().UnixMilli())
	b.kv.LTrim(ctx, key("failure_timestamps"), 0, timestampsKept)
	b.kv.Expire(ctx, key("failure_timestamps"), b.timeout)

	b.kv.HIncrBy(ctx, key("error_types"), kind, 1)
	b.kv.Expire(ctx, key("error_types"), b.timeout)

	log.WithFields(log.Fields{
		"failures":  failures,
		"threshold": b.failureThreshold,
		"kind":      kind,
	}).Warn("circuit breaker failure recorded")

	if failures >= b.failureThreshold {
		b.reopen(ctx)
	}
}

func (b *Breaker) reopen(ctx context.Context) {
	b.setState(ctx, Open)
	b.kv.SetEx(ctx, key("opened_at"),
		strconv.FormatInt(b.now().UnixMilli(), 10), b.timeout)
	log.Error("circuit breaker opened, marketplace calls suspended")
}

// RecordSuccess clears the failure streak, and in HALF_OPEN counts toward
// closing the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.kv.Del(ctx, key("failures"))

	if b.state(ctx) != HalfOpen {
		return
	}
	var successes, err = b.kv.Incr(ctx, key("successes")).Result()
	if err != nil {
		return
	}
	b.kv.Expire(ctx, key("successes"), halfOpenWindow)
	log.WithFields(log.Fields{
		"successes": successes,
		"threshold": b.successThreshold,
	}).Info("circuit breaker probe succeeded")

	if successes >= b.successThreshold {
		b.setState(ctx, Closed)
		b.kv.Del(ctx, key("successes"))
		log.Info("circuit breaker closed, marketplace recovered")
	}
}

// State returns the current circuit state. A missing key means CLOSED.
func (b *Breaker) State(ctx context.Context) State { return b.state(ctx) }

// Stats is an observability snapshot of the breaker.
type Stats struct {
	State            State            `json:"state"`
	Failures         int64            `json:"failures"`
	Successes        int64            `json:"successes"`
	FailureThreshold int64            `json:"failure_threshold"`
	SuccessThreshold int64            `json:"success_threshold"`
	OpenedAt         *time.Time       `json:"opened_at,omitempty"`
	ErrorTypes       map[string]int64 `json:"error_types"`
}

// Stats returns the breaker's counters and state.
func (b *Breaker) Stats(ctx context.Context) Stats {
	var s = Stats{
		State:            b.state(ctx),
		Failures:         b.counter(ctx, key("failures")),
		Successes:        b.counter(ctx, key("successes")),
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		ErrorTypes:       make(map[string]int64),
	}
	if raw, err := b.kv.Get(ctx, key("opened_at")).Result(); err == nil {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			var t = time.UnixMilli(ms)
			s.OpenedAt = &t
		}
	}
	if m, err := b.kv.HGetAll(ctx, key("error_types")).Result(); err == nil {
		for k, v := range m {
			s.ErrorTypes[k], _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return s
}

// Reset force-closes the circuit and clears all counters.
func (b *Breaker) Reset(ctx context.Context) error {
	var keys, err = b.kv.Keys(ctx, circuitKey+":*").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err = b.kv.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	b.setState(ctx, Closed)
	log.Info("circuit breaker manually reset")
	return nil
}

func (b *Breaker) state(ctx context.Context) State {
	var raw, err = b.kv.Get(ctx, key("state")).Result()
	if err != nil {
		// Missing key or unreachable Redis both read as CLOSED.
		return Closed
	}
	switch State(raw) {
	case Open, HalfOpen:
		return State(raw)
	}
	return Closed
}

func (b *Breaker) setState(ctx context.Context, s State) {
	b.kv.SetEx(ctx, key("state"), string(s), 2*b.timeout)
	if s == Open {
		stateGauge.Set(1)
	} else {
		stateGauge.Set(0)
	}
	log.WithField("state", s).Info("circuit breaker state changed")
}

func (b *Breaker) shouldAttemptReset(ctx context.Context) bool {
	var raw, err = b.kv.Get(ctx, key("opened_at")).Result()
	if err != nil {
		// No record of when it opened: allow the probe.
		return true
	}
	var ms, perr = strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return true
	}
	return b.now().Sub(time.UnixMilli(ms)) >= b.timeout
}

func (b *Breaker) counter(ctx context.Context, k string) int64 {
	var raw, err = b.kv.Get(ctx, k).Result()
	if err != nil {
		return 0
	}
	var n, _ = strconv.ParseInt(raw, 10, 64)
	return n
}

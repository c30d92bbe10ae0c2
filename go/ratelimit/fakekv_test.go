package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeKV is an in-memory stand-in for Redis, implementing just enough of KV
// for the limiter: plain strings, one hash per bucket, lists, and the
// acquire script's semantics under Eval.
type fakeKV struct {
	data    map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	failing bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:   make(map[string]string),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
	}
}

var errDown = errors.New("connection refused")

// scriptErr satisfies redis.Error so that Script.Run's HasErrorPrefix check
// recognizes the NOSCRIPT reply and falls back to Eval.
type scriptErr string

func (e scriptErr) Error() string { return string(e) }
func (e scriptErr) RedisError()   {}

func argInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		var n, _ = strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func (f *fakeKV) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	if f.failing {
		return redis.NewCmdResult(nil, errDown)
	}
	return redis.NewCmdResult(nil, scriptErr("NOSCRIPT fake does not cache scripts"))
}

func (f *fakeKV) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if f.failing {
		return redis.NewCmdResult(nil, errDown)
	}
	var key = keys[0]
	var max = argInt64(args[0])
	var windowMS = argInt64(args[1])
	var nowMS = argInt64(args[2])
	var requested = argInt64(args[3])

	var h = f.hashes[key]
	var tokens, refill int64
	if h == nil {
		tokens, refill = max, nowMS+windowMS
	} else {
		tokens, _ = strconv.ParseInt(h["tokens"], 10, 64)
		refill, _ = strconv.ParseInt(h["refill_time"], 10, 64)
	}
	if nowMS >= refill {
		tokens, refill = max, nowMS+windowMS
	}
	if tokens >= requested {
		tokens -= requested
		f.hashes[key] = map[string]string{
			"tokens":      strconv.FormatInt(tokens, 10),
			"refill_time": strconv.FormatInt(refill, 10),
		}
		return redis.NewCmdResult([]interface{}{int64(1), int64(0), tokens}, nil)
	}
	var wait = refill - nowMS
	if wait < 0 {
		wait = 0
	}
	return redis.NewCmdResult([]interface{}{int64(0), wait, tokens}, nil)
}

func (f *fakeKV) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeKV) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeKV) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeKV) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failing {
		return redis.NewStringResult("", errDown)
	}
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeKV) SetEx(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.failing {
		return redis.NewStatusResult("", errDown)
	}
	f.data[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.failing {
		return redis.NewIntResult(0, errDown)
	}
	var n, _ = strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(!f.failing, nil)
}

func (f *fakeKV) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.failing {
		return redis.NewIntResult(0, errDown)
	}
	for _, v := range values {
		f.lists[key] = append([]string{toString(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeKV) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	var l = f.lists[key]
	if stop >= 0 && stop < int64(len(l))-1 {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if f.failing {
		return redis.NewStringSliceResult(nil, errDown)
	}
	var l = f.lists[key]
	if stop == -1 || stop >= int64(len(l)) {
		stop = int64(len(l)) - 1
	}
	if start > stop {
		return redis.NewStringSliceResult(nil, nil)
	}
	return redis.NewStringSliceResult(append([]string(nil), l[start:stop+1]...), nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
		delete(f.hashes, k)
		delete(f.lists, k)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeKV) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var prefix = strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range f.hashes {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range f.lists {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return redis.NewStringSliceResult(out, nil)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

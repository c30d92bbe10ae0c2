// Package blueprint maps marketplace blueprint identifiers onto rows of the
// local catalog tables. Lookups are hot on the bulk-sync path, so results
// are cached in a process-local LRU and in Redis before the database is
// consulted.
package blueprint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

const (
	localCacheSize = 65536
	localCacheTTL  = time.Hour
	redisCacheTTL  = 24 * time.Hour
)

// Mapping is a resolved blueprint: the catalog row and the table it lives in.
type Mapping struct {
	PrintID int64
	Table   string
}

// Catalog performs the database side of resolution. The store package
// implements it with one UNION query across the catalog tables.
type Catalog interface {
	LookupBlueprints(ctx context.Context, ids []int64) (map[int64]Mapping, error)
}

// KV is the slice of the Redis API the resolver uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Resolver resolves blueprint ids with a three-level cache hierarchy.
// Redis failures degrade to the database; only the database is
// authoritative.
type Resolver struct {
	catalog Catalog
	kv      KV
	local   *expirable.LRU[int64, Mapping]
	deny    map[string]struct{}
}

// NewResolver builds a Resolver. Tables named in denied are resolvable but
// flagged so that sync paths can skip them.
func NewResolver(catalog Catalog, kv KV, denied []string) *Resolver {
	var deny = make(map[string]struct{}, len(denied))
	for _, t := range denied {
		deny[t] = struct{}{}
	}
	return &Resolver{
		catalog: catalog,
		kv:      kv,
		local:   expirable.NewLRU[int64, Mapping](localCacheSize, nil, localCacheTTL),
		deny:    deny,
	}
}

// Denied reports whether a catalog table is excluded from synchronization.
func (r *Resolver) Denied(table string) bool {
	var _, ok = r.deny[table]
	return ok
}

// Resolve maps one blueprint id, or fails with BLUEPRINT_NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, id int64) (Mapping, error) {
	var found, err = r.ResolveBatch(ctx, []int64{id})
	if err != nil {
		return Mapping{}, err
	}
	var m, ok = found[id]
	if !ok {
		return Mapping{}, errs.New(errs.CodeBlueprintNotFound,
			"blueprint %d has no catalog mapping", id)
	}
	return m, nil
}

// ResolveBatch maps many blueprint ids at once. Unknown ids are absent from
// the result; only database errors are returned.
func (r *Resolver) ResolveBatch(ctx context.Context, ids []int64) (map[int64]Mapping, error) {
	var found = make(map[int64]Mapping, len(ids))
	var misses []int64

	for _, id := range ids {
		if m, ok := r.local.Get(id); ok {
			found[id] = m
		} else {
			misses = append(misses, id)
		}
	}
	misses = r.fillFromRedis(ctx, misses, found)

	if len(misses) == 0 {
		return found, nil
	}
	var fresh, err = r.catalog.LookupBlueprints(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("querying catalog for %d blueprints: %w", len(misses), err)
	}
	for id, m := range fresh {
		found[id] = m
		r.local.Add(id, m)
		if err := r.kv.SetEx(ctx, cacheKey(id), encode(m), redisCacheTTL).Err(); err != nil {
			log.WithFields(log.Fields{"blueprint": id, "err": err}).
				Warn("failed to cache blueprint mapping in redis")
		}
	}
	return found, nil
}

// fillFromRedis moves Redis hits from misses into found and returns the
// ids still unresolved.
func (r *Resolver) fillFromRedis(ctx context.Context, misses []int64, found map[int64]Mapping) []int64 {
	var still []int64
	for _, id := range misses {
		var raw, err = r.kv.Get(ctx, cacheKey(id)).Result()
		if err != nil {
			still = append(still, id)
			continue
		}
		var m, ok = decode(raw)
		if !ok {
			still = append(still, id)
			continue
		}
		found[id] = m
		r.local.Add(id, m)
	}
	return still
}

func cacheKey(id int64) string {
	return "blueprint_mapping:" + strconv.FormatInt(id, 10)
}

// encode renders a Mapping as "<print_id>:<table>", the format shared with
// the Redis cache.
func encode(m Mapping) string {
	return strconv.FormatInt(m.PrintID, 10) + ":" + m.Table
}

func decode(raw string) (Mapping, bool) {
	var printStr, table, ok = strings.Cut(raw, ":")
	if !ok || table == "" {
		return Mapping{}, false
	}
	var printID, err = strconv.ParseInt(printStr, 10, 64)
	if err != nil {
		return Mapping{}, false
	}
	return Mapping{PrintID: printID, Table: table}, true
}

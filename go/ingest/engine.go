// Package ingest pulls the full marketplace inventory into the local store:
// the chunked bulk-sync engine and the single-pass drift sync.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/takeyourtrade1-star/brx-sync/go/blueprint"
	"github.com/takeyourtrade1-star/brx-sync/go/crypto"
	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
)

const (
	// ChunkSize bounds one chunk transaction.
	ChunkSize = 5000
	// ParallelChunks is how many chunk transactions run at once.
	ParallelChunks = 3
)

var (
	chunkSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brx_ingest_chunk_seconds",
		Help:    "Wall time of one bulk-sync chunk transaction.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brx_ingest_syncs_total",
		Help: "Bulk syncs by outcome.",
	}, []string{"outcome"})
)

// Market is the slice of the marketplace client the engine uses.
type Market interface {
	ProductsExport(ctx context.Context, f market.ExportFilters) ([]market.Product, error)
}

// MarketFactory builds a per-user marketplace client from a decrypted
// token.
type MarketFactory func(token, userID string) Market

// Resolver maps blueprint ids and knows the deny list.
type Resolver interface {
	ResolveBatch(ctx context.Context, ids []int64) (map[int64]blueprint.Mapping, error)
	Denied(table string) bool
}

// Store is the persistence surface the engine drives.
type Store interface {
	GetSettings(ctx context.Context, userID string) (*store.SyncSettings, error)
	SetSyncStatus(ctx context.Context, userID string, status store.SyncStatus, lastError *string, touchLastSync bool) error
	SetSyncStatusFallback(ctx context.Context, userID string, status store.SyncStatus, lastError *string) error
	UpdateOperationMetadata(ctx context.Context, operationID string, metadata map[string]interface{}) error
	CompleteOperation(ctx context.Context, operationID string, status store.OperationStatus, metadata map[string]interface{}) error
	FailOperationFallback(ctx context.Context, operationID, reason string) error
	IngestChunk(ctx context.Context, userID string, writes []store.ItemWrite) (created, updated int, err error)
	UpsertItemSynced(ctx context.Context, userID string, w store.ItemWrite) (created bool, err error)
}

// Engine runs ingest flows for one deployment.
type Engine struct {
	store    Store
	envelope *crypto.Envelope
	resolver Resolver
	markets  MarketFactory
}

// NewEngine builds an Engine.
func NewEngine(st Store, envelope *crypto.Envelope, resolver Resolver, markets MarketFactory) *Engine {
	return &Engine{store: st, envelope: envelope, resolver: resolver, markets: markets}
}

type tally struct {
	mu        sync.Mutex
	processed int
	created   int
	updated   int
	skipped   int
}

func (t *tally) add(processed, created, updated, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += processed
	t.created += created
	t.updated += updated
	t.skipped += skipped
}

func (t *tally) snapshot() (processed, created, updated, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed, t.created, t.updated, t.skipped
}

// BulkSync ingests the user's entire marketplace inventory under the given
// journal operation. On failure it moves the settings to ERROR through the
// fallback connection and marks the operation failed before returning.
func (e *Engine) BulkSync(ctx context.Context, userID, operationID string, force bool) error {
	var err = e.bulkSync(ctx, userID, operationID, force)
	if err != nil {
		syncsTotal.WithLabelValues("failed").Inc()
		e.failBulkSync(ctx, userID, operationID, err)
		return err
	}
	syncsTotal.WithLabelValues("completed").Inc()
	return nil
}

func (e *Engine) bulkSync(ctx context.Context, userID, operationID string, force bool) error {
	var settings, err = e.store.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	token, err := e.envelope.Open(settings.TokenSealed)
	if err != nil {
		return err
	}
	if token == "" {
		return errs.New(errs.CodeAccountNotConnected, "no marketplace token registered")
	}
	if settings.SyncStatus == store.StatusInitialSync && !force {
		return errs.New(errs.CodeSyncInProgress, "a bulk sync is already running")
	}
	if err = e.store.SetSyncStatus(ctx, userID, store.StatusInitialSync, nil, false); err != nil {
		return err
	}

	var products []market.Product
	if products, err = e.markets(token, userID).ProductsExport(ctx, market.ExportFilters{}); err != nil {
		return fmt.Errorf("exporting marketplace inventory: %w", err)
	}

	var chunks = chunk(products, ChunkSize)
	var totals tally

	log.WithFields(log.Fields{
		"user":      userID,
		"operation": operationID,
		"products":  len(products),
		"chunks":    len(chunks),
	}).Info("starting bulk sync")

	for batchStart := 0; batchStart < len(chunks); batchStart += ParallelChunks {
		var batchEnd = batchStart + ParallelChunks
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		var g, gctx = errgroup.WithContext(ctx)
		for _, c := range chunks[batchStart:batchEnd] {
			var c = c
			g.Go(func() error {
				var timer = prometheus.NewTimer(chunkSeconds)
				defer timer.ObserveDuration()
				return e.processChunk(gctx, userID, c, &totals)
			})
		}
		if err = g.Wait(); err != nil {
			return err
		}

		var processed, created, updated, skipped = totals.snapshot()
		var merr = e.store.UpdateOperationMetadata(ctx, operationID, map[string]interface{}{
			"total_products":   len(products),
			"total_chunks":     len(chunks),
			"processed_chunks": batchEnd,
			"progress_percent": batchEnd * 100 / max(len(chunks), 1),
			"processed":        processed,
			"created":          created,
			"updated":          updated,
			"skipped":          skipped,
		})
		if merr != nil {
			// Progress metadata is advisory.
			log.WithFields(log.Fields{"operation": operationID, "err": merr}).
				Warn("failed to update sync progress")
		}
	}

	if err = e.store.SetSyncStatus(ctx, userID, store.StatusActive, nil, true); err != nil {
		return err
	}
	var processed, created, updated, skipped = totals.snapshot()
	log.WithFields(log.Fields{
		"user":    userID,
		"created": created,
		"updated": updated,
		"skipped": skipped,
	}).Info("bulk sync completed")
	return e.store.CompleteOperation(ctx, operationID, store.OpCompleted, map[string]interface{}{
		"total_products": len(products),
		"processed":      processed,
		"created":        created,
		"updated":        updated,
		"skipped":        skipped,
	})
}

// processChunk filters and resolves one chunk, then applies it in a single
// chunk transaction.
func (e *Engine) processChunk(ctx context.Context, userID string, products []market.Product, totals *tally) error {
	var writes, skipped, err = e.prepare(ctx, products)
	if err != nil {
		return err
	}
	var created, updated int
	if len(writes) != 0 {
		if created, updated, err = e.store.IngestChunk(ctx, userID, writes); err != nil {
			return err
		}
	}
	totals.add(len(products), created, updated, skipped)
	return nil
}

// prepare drops products without identity, resolves blueprints in one
// batch, and drops unresolved or deny-listed rows. Dropped rows count as
// skipped.
func (e *Engine) prepare(ctx context.Context, products []market.Product) ([]store.ItemWrite, int, error) {
	var skipped int
	var valid = make([]market.Product, 0, len(products))
	var ids = make([]int64, 0, len(products))
	for _, p := range products {
		if p.ID == 0 || p.BlueprintID == 0 {
			skipped++
			continue
		}
		valid = append(valid, p)
		ids = append(ids, p.BlueprintID)
	}
	if len(valid) == 0 {
		return nil, skipped, nil
	}

	var mappings, err = e.resolver.ResolveBatch(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var writes = make([]store.ItemWrite, 0, len(valid))
	for _, p := range valid {
		var m, ok = mappings[p.BlueprintID]
		if !ok || e.resolver.Denied(m.Table) {
			skipped++
			continue
		}
		writes = append(writes, productWrite(p))
	}
	return writes, skipped, nil
}

func productWrite(p market.Product) store.ItemWrite {
	var w = store.ItemWrite{
		BlueprintID:     p.BlueprintID,
		ExternalStockID: strconv.FormatInt(p.ID, 10),
		Quantity:        p.Quantity,
		PriceCents:      p.PriceCents,
		Properties:      p.Properties,
	}
	if p.Description != "" {
		w.Description = &p.Description
	}
	if p.UserData != "" {
		w.UserData = &p.UserData
	}
	if p.Graded {
		var graded = p.Graded
		w.Graded = &graded
	}
	return w
}

func (e *Engine) failBulkSync(ctx context.Context, userID, operationID string, cause error) {
	var msg = cause.Error()
	log.WithFields(log.Fields{
		"user":      userID,
		"operation": operationID,
		"err":       cause,
	}).Error("bulk sync failed")

	if err := e.store.SetSyncStatusFallback(ctx, userID, store.StatusError, &msg); err != nil {
		log.WithFields(log.Fields{"user": userID, "err": err}).
			Error("failed to record error status on fallback connection")
	}
	if err := e.store.CompleteOperation(ctx, operationID, store.OpFailed,
		map[string]interface{}{"error": msg}); err != nil {
		if ferr := e.store.FailOperationFallback(ctx, operationID, msg); ferr != nil {
			log.WithFields(log.Fields{"operation": operationID, "err": ferr}).
				Error("failed to mark operation failed")
		}
	}
}

func chunk(products []market.Product, size int) [][]market.Product {
	var out [][]market.Product
	for start := 0; start < len(products); start += size {
		var end = start + size
		if end > len(products) {
			end = len(products)
		}
		out = append(out, products[start:end])
	}
	return out
}

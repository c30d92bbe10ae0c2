package ingest

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
)

// DriftResult tallies one drift pass.
type DriftResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
}

// DriftSync re-reads the marketplace listings for one blueprint and upserts
// each into the local store, healing rows that diverged outside the write
// path. Listings whose blueprint cannot be mapped locally, or that map to a
// deny-listed table, are skipped.
func (e *Engine) DriftSync(ctx context.Context, userID string, blueprintID int64) (DriftResult, error) {
	var result DriftResult

	var settings, err = e.store.GetSettings(ctx, userID)
	if err != nil {
		return result, err
	}
	token, err := e.envelope.Open(settings.TokenSealed)
	if err != nil {
		return result, err
	}
	if token == "" {
		return result, errs.New(errs.CodeAccountNotConnected, "no marketplace token registered")
	}

	var products []market.Product
	if products, err = e.markets(token, userID).ProductsExport(ctx,
		market.ExportFilters{BlueprintID: blueprintID}); err != nil {
		return result, fmt.Errorf("exporting blueprint %d listings: %w", blueprintID, err)
	}

	var writes []store.ItemWrite
	if writes, result.Skipped, err = e.prepare(ctx, products); err != nil {
		return result, err
	}
	result.Processed = len(products)

	for _, w := range writes {
		var created, uerr = e.store.UpsertItemSynced(ctx, userID, w)
		if uerr != nil {
			return result, uerr
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	log.WithFields(log.Fields{
		"user":      userID,
		"blueprint": blueprintID,
		"created":   result.Created,
		"updated":   result.Updated,
		"skipped":   result.Skipped,
	}).Info("drift sync completed")
	return result, nil
}

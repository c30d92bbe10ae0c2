// Package reconcile keeps targeted writes consistent across the local
// store and the marketplace: item updates, deletions, and the purchase
// saga.
package reconcile

import (
	"context"
	"reflect"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/crypto"
	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
)

// Market is the slice of the marketplace client the reconciler uses.
type Market interface {
	BulkUpdate(ctx context.Context, products []map[string]interface{}) (market.JobRef, error)
	Delete(ctx context.Context, productID int64) (market.DeleteResult, error)
	Increment(ctx context.Context, productID int64, delta int) error
	GetProduct(ctx context.Context, productID int64) (*market.Product, error)
}

// MarketFactory builds a per-user marketplace client from a decrypted
// token.
type MarketFactory func(token, userID string) Market

// Dispatcher enqueues the background halves of the write paths.
type Dispatcher interface {
	EnqueueSyncUpdate(ctx context.Context, userID string, itemID int64) (string, error)
	EnqueueSyncDelete(ctx context.Context, userID, externalStockID string) (string, error)
}

// Store is the persistence surface the reconciler drives. Reserve and
// commit each run in their own short transaction so no row lock is ever
// held across a marketplace call.
type Store interface {
	GetSettings(ctx context.Context, userID string) (*store.SyncSettings, error)
	GetItem(ctx context.Context, userID string, itemID int64) (*store.Item, error)
	UpdateItem(ctx context.Context, it *store.Item) error
	DeleteItem(ctx context.Context, userID string, itemID int64) (*store.Item, error)
	ReserveItem(ctx context.Context, userID string, itemID int64) (*store.Item, error)
	CommitPurchase(ctx context.Context, userID string, itemID int64, quantity int) error
	SetItemQuantity(ctx context.Context, itemID int64, quantity int) error
}

// Reconciler coordinates local mutations with their marketplace halves.
type Reconciler struct {
	store    Store
	envelope *crypto.Envelope
	markets  MarketFactory
	queue    Dispatcher
}

// NewReconciler builds a Reconciler.
func NewReconciler(st Store, envelope *crypto.Envelope, markets MarketFactory, queue Dispatcher) *Reconciler {
	return &Reconciler{store: st, envelope: envelope, markets: markets, queue: queue}
}

// ItemPatch is a partial update of an inventory row. Nil fields are left
// untouched. Properties merge key by key: booleans always overwrite,
// empty strings clear their key, and absent keys are preserved.
type ItemPatch struct {
	Quantity    *int
	PriceCents  *int64
	Description *string
	UserData    *string
	Graded      *bool
	Properties  map[string]interface{}
}

// Update applies a patch to the local row and, when the row is linked to a
// marketplace listing and a synced field actually changed, enqueues a
// background sync_update. It returns the updated item and the operation id
// of the enqueued task, "" when nothing was enqueued.
func (r *Reconciler) Update(ctx context.Context, userID string, itemID int64, patch ItemPatch) (*store.Item, string, error) {
	var item, err = r.store.GetItem(ctx, userID, itemID)
	if err != nil {
		return nil, "", err
	}
	var changed = applyPatch(item, patch)
	if err = r.store.UpdateItem(ctx, item); err != nil {
		return nil, "", err
	}
	if !changed || item.ExternalStockID == nil || *item.ExternalStockID == "" {
		return item, "", nil
	}
	operationID, err := r.queue.EnqueueSyncUpdate(ctx, userID, itemID)
	if err != nil {
		return nil, "", err
	}
	return item, operationID, nil
}

// Delete removes the local row and, when it was linked to a marketplace
// listing, enqueues a background sync_delete for that listing.
func (r *Reconciler) Delete(ctx context.Context, userID string, itemID int64) (string, error) {
	var item, err = r.store.DeleteItem(ctx, userID, itemID)
	if err != nil {
		return "", err
	}
	if item.ExternalStockID == nil || *item.ExternalStockID == "" {
		return "", nil
	}
	return r.queue.EnqueueSyncDelete(ctx, userID, *item.ExternalStockID)
}

// PushUpdate is the sync_update task body. It re-reads the row so the
// payload always reflects the latest local state, whatever was current when
// the task was enqueued.
func (r *Reconciler) PushUpdate(ctx context.Context, userID string, itemID int64) error {
	var item, err = r.store.GetItem(ctx, userID, itemID)
	if err != nil {
		return err
	}
	productID, err := externalProductID(item)
	if err != nil {
		return err
	}
	m, err := r.userMarket(ctx, userID)
	if err != nil {
		return err
	}
	var update = market.ItemUpdate{
		ProductID:  productID,
		PriceCents: item.PriceCents,
		Quantity:   item.Quantity,
		UserData:   item.UserData,
		Graded:     item.Graded,
		Properties: item.Properties,
	}
	if item.Description != nil {
		update.Description = *item.Description
	}
	if _, err = m.BulkUpdate(ctx, []map[string]interface{}{update.Payload()}); err != nil {
		return err
	}
	return nil
}

// PushDelete is the sync_delete task body. A listing that is already gone
// remotely deletes successfully.
func (r *Reconciler) PushDelete(ctx context.Context, userID, externalStockID string) error {
	var productID, err = strconv.ParseInt(externalStockID, 10, 64)
	if err != nil {
		return errs.New(errs.CodeValidation, "malformed external stock id %q", externalStockID)
	}
	m, err := r.userMarket(ctx, userID)
	if err != nil {
		return err
	}
	result, err := m.Delete(ctx, productID)
	if err != nil {
		return err
	}
	if result.AlreadyDeleted {
		log.WithFields(log.Fields{"user": userID, "product": productID}).
			Info("listing already deleted remotely")
	}
	return nil
}

func (r *Reconciler) userMarket(ctx context.Context, userID string) (Market, error) {
	var settings, err = r.store.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	token, err := r.envelope.Open(settings.TokenSealed)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, errs.New(errs.CodeAccountNotConnected, "no marketplace token registered")
	}
	return r.markets(token, userID), nil
}

func externalProductID(item *store.Item) (int64, error) {
	if item.ExternalStockID == nil || *item.ExternalStockID == "" {
		return 0, errs.New(errs.CodeItemMissingExternalID,
			"inventory item %d has no marketplace listing", item.ID)
	}
	var id, err = strconv.ParseInt(*item.ExternalStockID, 10, 64)
	if err != nil {
		return 0, errs.New(errs.CodeValidation, "malformed external stock id %q", *item.ExternalStockID)
	}
	return id, nil
}

// applyPatch mutates item in place and reports whether any synced field
// changed.
func applyPatch(item *store.Item, patch ItemPatch) bool {
	var changed bool
	if patch.Quantity != nil && *patch.Quantity != item.Quantity {
		item.Quantity = *patch.Quantity
		changed = true
	}
	if patch.PriceCents != nil && *patch.PriceCents != item.PriceCents {
		item.PriceCents = *patch.PriceCents
		changed = true
	}
	if patch.Description != nil && !equalStringPtr(item.Description, patch.Description) {
		item.Description = patch.Description
		changed = true
	}
	if patch.UserData != nil && !equalStringPtr(item.UserData, patch.UserData) {
		item.UserData = patch.UserData
		changed = true
	}
	if patch.Graded != nil && (item.Graded == nil || *item.Graded != *patch.Graded) {
		item.Graded = patch.Graded
		changed = true
	}
	if len(patch.Properties) != 0 && mergeProperties(item, patch.Properties) {
		changed = true
	}
	return changed
}

// mergeProperties folds patch keys into the item's properties. Booleans
// always overwrite. An empty string clears its key. Everything else
// overwrites when provided. Absent keys stay as they were.
func mergeProperties(item *store.Item, patch map[string]interface{}) bool {
	var merged = make(map[string]interface{}, len(item.Properties)+len(patch))
	for k, v := range item.Properties {
		merged[k] = v
	}
	for k, v := range patch {
		if s, ok := v.(string); ok && s == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if reflect.DeepEqual(merged, item.Properties) ||
		(len(merged) == 0 && len(item.Properties) == 0) {
		return false
	}
	item.Properties = merged
	return true
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

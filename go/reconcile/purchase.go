package reconcile

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

var purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "brx_reconcile_purchases_total",
	Help: "Purchase sagas by outcome.",
}, []string{"outcome"})

// PurchaseResult describes a completed purchase.
type PurchaseResult struct {
	ItemID            int64 `json:"item_id"`
	Quantity          int   `json:"quantity"`
	RemainingQuantity int   `json:"remaining_quantity"`
	ListingDeleted    bool  `json:"listing_deleted"`
}

// Purchase removes quantity units of the item from both the local store and
// the marketplace listing. It runs as a three-step saga: a short reserving
// transaction, the remote mutation outside any transaction, and a short
// committing transaction, with a compensating remote write if the final
// commit fails. The row lock is never held across a marketplace call.
func (r *Reconciler) Purchase(ctx context.Context, userID string, itemID int64, quantity int) (*PurchaseResult, error) {
	if quantity <= 0 {
		return nil, errs.New(errs.CodeValidation, "purchase quantity must be positive, got %d", quantity)
	}

	// Step 1: reserve. The lock releases when the transaction commits, so
	// concurrent purchases of the same item serialize only on this read.
	var item, err = r.store.ReserveItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	productID, err := externalProductID(item)
	if err != nil {
		return nil, err
	}
	m, err := r.userMarket(ctx, userID)
	if err != nil {
		return nil, err
	}
	var before = item.Quantity
	if before < quantity {
		// The local row may be stale, so refresh it from the marketplace
		// before reporting what is actually available. The sale itself is
		// still refused: the caller retries against the healed row.
		var available = r.refreshQuantity(ctx, m, item.ID, productID, before)
		purchasesTotal.WithLabelValues("insufficient_local").Inc()
		return nil, errs.New(errs.CodeInsufficientQuantity,
			"requested %d, available %d", quantity, available)
	}

	// Step 2: apply remotely, outside any local transaction. The remote is
	// the arbiter for concurrent purchases that both passed step 1.
	remote, err := m.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if remote == nil || remote.Quantity < quantity {
		var available = 0
		if remote != nil {
			available = remote.Quantity
		}
		if serr := r.store.SetItemQuantity(ctx, itemID, available); serr != nil {
			log.WithFields(log.Fields{"item": itemID, "err": serr}).
				Warn("failed to refresh local quantity from marketplace")
		}
		purchasesTotal.WithLabelValues("insufficient_remote").Inc()
		return nil, errs.New(errs.CodeInsufficientQuantity,
			"marketplace has only %d available", available)
	}
	var deleted = remote.Quantity == quantity
	if deleted {
		if _, err = m.Delete(ctx, productID); err != nil {
			return nil, err
		}
	} else if err = m.Increment(ctx, productID, -quantity); err != nil {
		return nil, err
	}

	// Step 3: commit locally in a second short transaction.
	if err = r.store.CommitPurchase(ctx, userID, itemID, before-quantity); err != nil {
		r.compensate(ctx, m, userID, productID, quantity, deleted)
		purchasesTotal.WithLabelValues("compensated").Inc()
		return nil, errs.Wrap(err, errs.CodeDatabase, "committing purchase of item %d", itemID)
	}

	purchasesTotal.WithLabelValues("completed").Inc()
	return &PurchaseResult{
		ItemID:            itemID,
		Quantity:          quantity,
		RemainingQuantity: before - quantity,
		ListingDeleted:    deleted,
	}, nil
}

// compensate undoes the remote half of a purchase whose local commit
// failed. A deleted listing cannot be restored, only alerted on.
func (r *Reconciler) compensate(ctx context.Context, m Market, userID string, productID int64, quantity int, deleted bool) {
	if deleted {
		log.WithFields(log.Fields{
			"user":     userID,
			"product":  productID,
			"quantity": quantity,
		}).Error("irrecoverable divergence: listing deleted remotely but local commit failed")
		return
	}
	if err := m.Increment(ctx, productID, quantity); err != nil {
		log.WithFields(log.Fields{
			"user":     userID,
			"product":  productID,
			"quantity": quantity,
			"err":      err,
		}).Error("failed to restore remote quantity after local commit failure")
	}
}

// refreshQuantity pulls the marketplace quantity into the local row and
// returns it, falling back to the stale local value on any error.
func (r *Reconciler) refreshQuantity(ctx context.Context, m Market, itemID, productID int64, stale int) int {
	var remote, err = m.GetProduct(ctx, productID)
	if err != nil {
		log.WithFields(log.Fields{"item": itemID, "err": err}).
			Warn("failed to refresh quantity from marketplace")
		return stale
	}
	var available = 0
	if remote != nil {
		available = remote.Quantity
	}
	if err = r.store.SetItemQuantity(ctx, itemID, available); err != nil {
		log.WithFields(log.Fields{"item": itemID, "err": err}).
			Warn("failed to persist refreshed quantity")
	}
	return available
}

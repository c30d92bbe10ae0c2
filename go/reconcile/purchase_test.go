package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
)

func purchaseFixture(localQty, remoteQty int) (*fakeStore, *fakeMarket) {
	var st = &fakeStore{items: map[int64]*store.Item{1: linkedItem(1, "900", localQty)}}
	var m = &fakeMarket{remote: &market.Product{ID: 900, BlueprintID: 7, Quantity: remoteQty}}
	return st, m
}

func TestPurchaseDecrementsBothSides(t *testing.T) {
	var st, m = purchaseFixture(5, 5)
	var r, _ = testReconciler(t, st, m)

	var result, err = r.Purchase(context.Background(), "user-1", 1, 2)
	require.NoError(t, err)
	require.Equal(t, &PurchaseResult{ItemID: 1, Quantity: 2, RemainingQuantity: 3}, result)
	require.Equal(t, []int{-2}, m.increments)
	require.Empty(t, m.deletes)
	require.Equal(t, []int{3}, st.commits)
	require.Equal(t, 3, st.items[1].Quantity)
}

func TestPurchaseLastUnitsDeletesListing(t *testing.T) {
	var st, m = purchaseFixture(2, 2)
	var r, _ = testReconciler(t, st, m)

	var result, err = r.Purchase(context.Background(), "user-1", 1, 2)
	require.NoError(t, err)
	require.True(t, result.ListingDeleted)
	require.Equal(t, 0, result.RemainingQuantity)
	require.Equal(t, []int64{900}, m.deletes)
	require.Empty(t, m.increments)
}

func TestPurchaseInsufficientLocalRefreshesFromRemote(t *testing.T) {
	var st, m = purchaseFixture(1, 2)
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 3)
	require.Equal(t, errs.CodeInsufficientQuantity, errs.Code(err))
	// The local row now reflects the marketplace's view.
	require.Equal(t, []int{2}, st.setQuantity)
	require.Equal(t, 2, st.items[1].Quantity)
}

func TestPurchaseStaleLowLocalRefusesSaleAfterRefresh(t *testing.T) {
	var st, m = purchaseFixture(1, 5)
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 3)
	require.Equal(t, errs.CodeInsufficientQuantity, errs.Code(err))
	require.Contains(t, err.Error(), "requested 3, available 5")
	// The local row was healed from the marketplace, but the sale itself is
	// refused and nothing was mutated remotely; the caller retries.
	require.Equal(t, []int{5}, st.setQuantity)
	require.Equal(t, 5, st.items[1].Quantity)
	require.Empty(t, m.increments)
	require.Empty(t, m.deletes)
	require.Empty(t, st.commits)
}

func TestPurchaseInsufficientRemoteRefreshesLocal(t *testing.T) {
	var st, m = purchaseFixture(5, 1)
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 3)
	require.Equal(t, errs.CodeInsufficientQuantity, errs.Code(err))
	require.Equal(t, []int{1}, st.setQuantity)
	require.Empty(t, m.increments)
	require.Empty(t, m.deletes)
}

func TestPurchaseCompensatesIncrementOnCommitFailure(t *testing.T) {
	var st, m = purchaseFixture(5, 5)
	st.commitErr = errors.New("connection reset")
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 2)
	require.Equal(t, errs.CodeDatabase, errs.Code(err))
	// The remote decrement was rolled back with a compensating increment.
	require.Equal(t, []int{-2, 2}, m.increments)
	require.Equal(t, 5, m.remote.Quantity)
}

func TestPurchaseDeletedListingCannotBeCompensated(t *testing.T) {
	var st, m = purchaseFixture(2, 2)
	st.commitErr = errors.New("connection reset")
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 2)
	require.Equal(t, errs.CodeDatabase, errs.Code(err))
	require.Equal(t, []int64{900}, m.deletes)
	require.Empty(t, m.increments)
}

func TestPurchaseRejectsNonPositiveQuantity(t *testing.T) {
	var st, m = purchaseFixture(5, 5)
	var r, _ = testReconciler(t, st, m)

	var _, err = r.Purchase(context.Background(), "user-1", 1, 0)
	require.Equal(t, errs.CodeValidation, errs.Code(err))
}

func TestPurchaseRequiresListing(t *testing.T) {
	var st = &fakeStore{items: map[int64]*store.Item{1: linkedItem(1, "", 2)}}
	var r, _ = testReconciler(t, st, &fakeMarket{})

	var _, err = r.Purchase(context.Background(), "user-1", 1, 1)
	require.Equal(t, errs.CodeItemMissingExternalID, errs.Code(err))
}

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// ReserveItem locks the inventory row FOR UPDATE in its own short
// transaction and returns its current state. The lock releases on commit,
// so callers hold it only for the read, never across external I/O.
func (s *Store) ReserveItem(ctx context.Context, userID string, itemID int64) (*Item, error) {
	var item *Item
	var err = s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var lerr error
		item, lerr = s.LockItem(ctx, tx, userID, itemID)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CommitPurchase re-locks the row and writes the post-purchase quantity in
// a second short transaction.
func (s *Store) CommitPurchase(ctx context.Context, userID string, itemID int64, quantity int) error {
	return s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.LockItem(ctx, tx, userID, itemID); err != nil {
			return err
		}
		return s.SetQuantity(ctx, tx, itemID, quantity)
	})
}

// UpdateItem persists a mutated item outside any caller transaction.
func (s *Store) UpdateItem(ctx context.Context, it *Item) error {
	return s.SaveItem(ctx, s.pool, it)
}

// SetItemQuantity writes a clamped quantity outside any caller transaction.
func (s *Store) SetItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	return s.SetQuantity(ctx, s.pool, itemID, quantity)
}

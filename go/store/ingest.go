package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// IngestChunk applies one bulk-sync chunk in its own transaction: a single
// existence probe over the chunk's keys, a bulk insert of the new rows, and
// per-row updates of the rest. Keys that lose an insert race against a
// concurrent chunk are resolved as updates.
func (s *Store) IngestChunk(ctx context.Context, userID string, writes []ItemWrite) (created, updated int, err error) {
	err = s.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var keys = make([]ItemKey, len(writes))
		for i, w := range writes {
			keys[i] = ItemKey{w.BlueprintID, w.ExternalStockID}
		}
		var existing, perr = s.ExistingKeys(ctx, tx, userID, keys)
		if perr != nil {
			return perr
		}

		var fresh []ItemWrite
		for _, w := range writes {
			if _, ok := existing[ItemKey{w.BlueprintID, w.ExternalStockID}]; !ok {
				fresh = append(fresh, w)
			}
		}
		var inserted, ierr = s.InsertItems(ctx, tx, userID, fresh)
		if ierr != nil {
			return ierr
		}

		for _, w := range writes {
			var k = ItemKey{w.BlueprintID, w.ExternalStockID}
			if id, ok := existing[k]; ok {
				if uerr := s.UpdateItemSynced(ctx, tx, id, w); uerr != nil {
					return uerr
				}
				updated++
			} else if _, ok := inserted[k]; ok {
				created++
			} else {
				if uerr := s.UpdateItemSyncedByKey(ctx, tx, userID, k, w); uerr != nil {
					return uerr
				}
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, updated, nil
}

// UpdateItemSyncedByKey overwrites the synced fields of the row identified
// by its composite key.
func (s *Store) UpdateItemSyncedByKey(ctx context.Context, q Querier, userID string, k ItemKey, w ItemWrite) error {
	var _, err = q.Exec(ctx, `
		UPDATE user_inventory_items
		SET quantity = $4, price_cents = $5, description = $6, user_data = $7,
		    graded = $8, properties = $9, updated_at = now()
		WHERE user_id = $1 AND blueprint_id = $2 AND external_stock_id = $3`,
		userID, k.BlueprintID, k.ExternalStockID,
		w.Quantity, w.PriceCents, w.Description, w.UserData, w.Graded, w.Properties)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "updating item by key")
	}
	return nil
}

// UpsertItemSynced writes a single drift-sync row, inserting or
// overwriting by composite key.
func (s *Store) UpsertItemSynced(ctx context.Context, userID string, w ItemWrite) (created bool, err error) {
	var inserted bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO user_inventory_items
		  (user_id, blueprint_id, external_stock_id, quantity, price_cents,
		   description, user_data, graded, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, blueprint_id, external_stock_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, price_cents = EXCLUDED.price_cents,
		    description = EXCLUDED.description, user_data = EXCLUDED.user_data,
		    graded = EXCLUDED.graded, properties = EXCLUDED.properties,
		    updated_at = now()
		RETURNING (created_at = updated_at)`,
		userID, w.BlueprintID, w.ExternalStockID, w.Quantity, w.PriceCents,
		w.Description, w.UserData, w.Graded, w.Properties).Scan(&inserted)
	if err != nil {
		return false, errs.Wrap(err, errs.CodeDatabase, "upserting item")
	}
	return inserted, nil
}

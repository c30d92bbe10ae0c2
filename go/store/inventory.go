package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// Item is one local inventory row, mirrored to at most one marketplace
// listing via ExternalStockID.
type Item struct {
	ID              int64                  `json:"id"`
	UserID          string                 `json:"user_id"`
	BlueprintID     int64                  `json:"blueprint_id"`
	ExternalStockID *string                `json:"external_stock_id"`
	Quantity        int                    `json:"quantity"`
	PriceCents      int64                  `json:"price_cents"`
	Description     *string                `json:"description"`
	UserData        *string                `json:"user_data"`
	Graded          *bool                  `json:"graded"`
	Properties      map[string]interface{} `json:"properties"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ItemKey identifies an item within a user's inventory.
type ItemKey struct {
	BlueprintID     int64
	ExternalStockID string
}

// Querier is satisfied by the pool, a transaction, and a dedicated
// connection. Item methods take it so they compose into either scope.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const itemColumns = `id, user_id, blueprint_id, external_stock_id, quantity,
	price_cents, description, user_data, graded, properties, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var err = row.Scan(&it.ID, &it.UserID, &it.BlueprintID, &it.ExternalStockID,
		&it.Quantity, &it.PriceCents, &it.Description, &it.UserData, &it.Graded,
		&it.Properties, &it.CreatedAt, &it.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.CodeItemNotFound, "inventory item not found")
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "reading inventory item")
	}
	return &it, nil
}

// GetItem loads one item owned by userID.
func (s *Store) GetItem(ctx context.Context, userID string, itemID int64) (*Item, error) {
	return scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM user_inventory_items WHERE user_id = $1 AND id = $2`,
		userID, itemID))
}

// LockItem loads one item under FOR UPDATE within tx, blocking concurrent
// writers of the same row for the life of the transaction.
func (s *Store) LockItem(ctx context.Context, tx pgx.Tx, userID string, itemID int64) (*Item, error) {
	return scanItem(tx.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM user_inventory_items
		 WHERE user_id = $1 AND id = $2 FOR UPDATE`,
		userID, itemID))
}

// FindByExternalStock locates the item mirroring a marketplace product id.
func (s *Store) FindByExternalStock(ctx context.Context, userID, externalStockID string) (*Item, error) {
	return scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM user_inventory_items
		 WHERE user_id = $1 AND external_stock_id = $2`,
		userID, externalStockID))
}

// ListItems pages through a user's inventory, newest first.
func (s *Store) ListItems(ctx context.Context, userID string, limit, offset int) ([]Item, error) {
	var rows, err = s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM user_inventory_items
		 WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "listing inventory")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it, serr = scanItem(rows)
		if serr != nil {
			return nil, serr
		}
		items = append(items, *it)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "listing inventory")
	}
	return items, nil
}

// CountItems returns the size of a user's inventory.
func (s *Store) CountItems(ctx context.Context, userID string) (int64, error) {
	var n int64
	var err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM user_inventory_items WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeDatabase, "counting inventory")
	}
	return n, nil
}

// ExistingKeys probes which of keys already exist for userID, in one
// unnest-join query. The composite index makes this an index-only scan.
func (s *Store) ExistingKeys(ctx context.Context, q Querier, userID string, keys []ItemKey) (map[ItemKey]int64, error) {
	if len(keys) == 0 {
		return map[ItemKey]int64{}, nil
	}
	var blueprints = make([]int64, len(keys))
	var externals = make([]string, len(keys))
	for i, k := range keys {
		blueprints[i] = k.BlueprintID
		externals[i] = k.ExternalStockID
	}
	var rows, err = q.Query(ctx, `
		SELECT i.id, i.blueprint_id, i.external_stock_id
		FROM user_inventory_items i
		JOIN unnest($2::bigint[], $3::text[]) AS k(blueprint_id, external_stock_id)
		  ON i.blueprint_id = k.blueprint_id AND i.external_stock_id = k.external_stock_id
		WHERE i.user_id = $1`,
		userID, blueprints, externals)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "probing existing items")
	}
	defer rows.Close()

	var out = make(map[ItemKey]int64)
	for rows.Next() {
		var id int64
		var k ItemKey
		if err = rows.Scan(&id, &k.BlueprintID, &k.ExternalStockID); err != nil {
			return nil, errs.Wrap(err, errs.CodeDatabase, "probing existing items")
		}
		out[k] = id
	}
	if err = rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "probing existing items")
	}
	return out, nil
}

// ItemWrite is the synced field set written by ingest paths.
type ItemWrite struct {
	BlueprintID     int64
	ExternalStockID string
	Quantity        int
	PriceCents      int64
	Description     *string
	UserData        *string
	Graded          *bool
	Properties      map[string]interface{}
}

// InsertItems bulk-inserts rows for userID with ON CONFLICT DO NOTHING and
// reports which keys actually inserted. Conflicting keys (lost races with a
// concurrent chunk) are absent from the result; callers resolve them as
// updates.
func (s *Store) InsertItems(ctx context.Context, q Querier, userID string, writes []ItemWrite) (map[ItemKey]struct{}, error) {
	var inserted = make(map[ItemKey]struct{}, len(writes))
	if len(writes) == 0 {
		return inserted, nil
	}
	var batch = &pgx.Batch{}
	for _, w := range writes {
		batch.Queue(`
			INSERT INTO user_inventory_items
			  (user_id, blueprint_id, external_stock_id, quantity, price_cents,
			   description, user_data, graded, properties)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, blueprint_id, external_stock_id) DO NOTHING`,
			userID, w.BlueprintID, w.ExternalStockID, w.Quantity, w.PriceCents,
			w.Description, w.UserData, w.Graded, w.Properties)
	}
	var results = q.SendBatch(ctx, batch)
	defer results.Close()

	for _, w := range writes {
		var tag, err = results.Exec()
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeDatabase, "bulk inserting items")
		}
		if tag.RowsAffected() == 1 {
			inserted[ItemKey{w.BlueprintID, w.ExternalStockID}] = struct{}{}
		}
	}
	return inserted, nil
}

// UpdateItemSynced overwrites the synced fields of an existing row.
func (s *Store) UpdateItemSynced(ctx context.Context, q Querier, itemID int64, w ItemWrite) error {
	var _, err = q.Exec(ctx, `
		UPDATE user_inventory_items
		SET quantity = $2, price_cents = $3, description = $4, user_data = $5,
		    graded = $6, properties = $7, updated_at = now()
		WHERE id = $1`,
		itemID, w.Quantity, w.PriceCents, w.Description, w.UserData, w.Graded, w.Properties)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "updating synced item %d", itemID)
	}
	return nil
}

// SaveItem persists the mutable fields of it by primary key.
func (s *Store) SaveItem(ctx context.Context, q Querier, it *Item) error {
	var _, err = q.Exec(ctx, `
		UPDATE user_inventory_items
		SET quantity = $2, price_cents = $3, description = $4, user_data = $5,
		    graded = $6, properties = $7, updated_at = now()
		WHERE id = $1`,
		it.ID, it.Quantity, it.PriceCents, it.Description, it.UserData, it.Graded, it.Properties)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "saving item %d", it.ID)
	}
	return nil
}

// SetQuantity sets an item's quantity, clamped at zero.
func (s *Store) SetQuantity(ctx context.Context, q Querier, itemID int64, quantity int) error {
	if quantity < 0 {
		quantity = 0
	}
	var tag, err = q.Exec(ctx, `
		UPDATE user_inventory_items SET quantity = $2, updated_at = now() WHERE id = $1`,
		itemID, quantity)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "setting quantity of item %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.CodeItemNotFound, "inventory item %d not found", itemID)
	}
	return nil
}

// AdjustQuantityByExternal applies a delta to the item mirroring a
// marketplace product id, clamped at zero. Reports whether a row matched.
func (s *Store) AdjustQuantityByExternal(ctx context.Context, userID, externalStockID string, delta int) (bool, error) {
	var tag, err = s.pool.Exec(ctx, `
		UPDATE user_inventory_items
		SET quantity = GREATEST(0, quantity + $3), updated_at = now()
		WHERE user_id = $1 AND external_stock_id = $2`,
		userID, externalStockID, delta)
	if err != nil {
		return false, errs.Wrap(err, errs.CodeDatabase, "adjusting quantity")
	}
	return tag.RowsAffected() != 0, nil
}

// DeleteItem removes one item and returns the deleted row.
func (s *Store) DeleteItem(ctx context.Context, userID string, itemID int64) (*Item, error) {
	return scanItem(s.pool.QueryRow(ctx,
		`DELETE FROM user_inventory_items WHERE user_id = $1 AND id = $2
		 RETURNING `+itemColumns,
		userID, itemID))
}

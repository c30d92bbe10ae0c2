package store

import (
	"context"

	"github.com/takeyourtrade1-star/brx-sync/go/blueprint"
	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// blueprintLookupSQL resolves marketplace blueprint ids across the four
// catalog tables in one round trip. First match wins per id; the UNION
// branches are disjoint in practice.
const blueprintLookupSQL = `
	SELECT id, 'cards_prints' AS table_name, cardtrader_id
	FROM cards_prints WHERE cardtrader_id = ANY($1)
	UNION ALL
	SELECT id, 'op_prints' AS table_name, cardtrader_id
	FROM op_prints WHERE cardtrader_id = ANY($1)
	UNION ALL
	SELECT id, 'pk_prints' AS table_name, cardtrader_id
	FROM pk_prints WHERE cardtrader_id = ANY($1)
	UNION ALL
	SELECT id, 'sealed_products' AS table_name, cardtrader_id
	FROM sealed_products WHERE cardtrader_id = ANY($1)`

// LookupBlueprints implements blueprint.Catalog.
func (s *Store) LookupBlueprints(ctx context.Context, ids []int64) (map[int64]blueprint.Mapping, error) {
	var out = make(map[int64]blueprint.Mapping, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows, err = s.pool.Query(ctx, blueprintLookupSQL, ids)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "querying catalog tables")
	}
	defer rows.Close()

	for rows.Next() {
		var printID, blueprintID int64
		var table string
		if err = rows.Scan(&printID, &table, &blueprintID); err != nil {
			return nil, errs.Wrap(err, errs.CodeDatabase, "scanning catalog row")
		}
		if _, seen := out[blueprintID]; !seen {
			out[blueprintID] = blueprint.Mapping{PrintID: printID, Table: table}
		}
	}
	if err = rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeDatabase, "reading catalog rows")
	}
	return out, nil
}

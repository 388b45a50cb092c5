package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/stock"
)

// LoadLevels reads every stock_level row into a stock.LevelSet. Meant to be
// used as Postgres.Levels, called inside the advisory-lock transaction so
// the read is consistent with the write that follows it.
func LoadLevels(ctx context.Context, tx *sql.Tx) (*stock.LevelSet, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT store_id, product_type, product_id, expiry, total, cancelled, rsv_detail FROM stock_level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := stock.NewLevelSet()
	for rows.Next() {
		var storeID uint32
		var productType string
		var productID uint64
		var expiry time.Time
		var total, cancelled uint32
		var rsvDetail string
		if err := rows.Scan(&storeID, &productType, &productID, &expiry, &total, &cancelled, &rsvDetail); err != nil {
			return nil, err
		}
		levels.LoadProduct(storeID, money.ProductType(productType), productID, expiry,
			stock.NewQuantity(total, cancelled, rsvDetailDecode(rsvDetail)))
	}
	return levels, nil
}

// SaveLevels replaces the stock_level table wholesale with the current
// working set. Meant to be used as Postgres.Save, called inside the same
// advisory-lock transaction LoadLevels read from.
//
// Walks levels.Stores directly rather than ToSnapshots(), since Snapshot is
// a read-only reporting DTO that drops the per-order reservation detail
// this table must persist across transactions.
func SaveLevels(ctx context.Context, tx *sql.Tx, levels *stock.LevelSet) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM stock_level`); err != nil {
		return err
	}
	for _, store := range levels.Stores {
		for _, p := range store.Products {
			key := stockRowKey(store.StoreID, p.Type, p.ID, p.Expiry)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO stock_level (row_key, store_id, product_type, product_id, expiry, total, cancelled, rsv_detail)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				key, store.StoreID, string(p.Type), p.ID, p.Expiry, p.Quantity.Total, p.Quantity.Cancelled,
				rsvDetailEncode(p.Quantity.Reservation()),
			)
			if err != nil {
				return fmt.Errorf("save stock row %s: %w", key, err)
			}
		}
	}
	return nil
}

func rsvDetailDecode(raw string) map[string]uint32 {
	out := make(map[string]uint32)
	if raw == "" {
		return out
	}
	for _, part := range strings.Fields(raw) {
		kv := strings.SplitN(part, "/", 2)
		if len(kv) != 2 {
			continue
		}
		qty, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			continue
		}
		out[kv[0]] = uint32(qty)
	}
	return out
}

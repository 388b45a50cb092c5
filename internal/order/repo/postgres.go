package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/stock"
)

// Postgres is the SQL-backed OrderRepo for cmd/orderservice: a thin struct
// over *sql.DB, one method per operation, explicit *sql.Tx passed through
// for read-modify-write.
//
// The per-table stock lock is taken as a Postgres advisory lock rather
// than a Go-level mutex, since the repo must serialize across process
// restarts too — Levels is refreshed from the stock table inside the lock
// and written back before release.
type Postgres struct {
	DB     *sql.DB
	Levels func(ctx context.Context, tx *sql.Tx) (*stock.LevelSet, error)
	Save   func(ctx context.Context, tx *sql.Tx, levels *stock.LevelSet) error
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db, Levels: LoadLevels, Save: SaveLevels}
}

func (p *Postgres) withStockLock(ctx context.Context, fn func(tx *sql.Tx, levels *stock.LevelSet) error) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, stockTableLockKey); err != nil {
		return err
	}
	levels, err := p.Levels(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(tx, levels); err != nil {
		return err
	}
	if err := p.Save(ctx, tx, levels); err != nil {
		return err
	}
	return tx.Commit()
}

const stockTableLockKey = 0x5354434b // "STCK"

func (p *Postgres) Create(ctx context.Context, ls *order.LineSet, billing, shipping Contact, reserveFn StockReserveFn) ([]stock.ReserveError, *money.AppError) {
	var rsvErrs []stock.ReserveError
	errRejected := fmt.Errorf("stock reservation rejected")
	txErr := p.withStockLock(ctx, func(tx *sql.Tx, levels *stock.LevelSet) error {
		rsvErrs = reserveFn(levels)
		if len(rsvErrs) > 0 {
			// Roll back so the lines that did reserve are not saved.
			return errRejected
		}
		if err := insertOrderMeta(ctx, tx, ls); err != nil {
			return err
		}
		if err := insertContact(ctx, tx, ls.OrderID, "billing", billing); err != nil {
			return err
		}
		if err := insertContact(ctx, tx, ls.OrderID, "shipping", shipping); err != nil {
			return err
		}
		return insertLines(ctx, tx, ls)
	})
	if txErr == errRejected {
		return rsvErrs, nil
	}
	if txErr != nil {
		return nil, money.NewAppError(money.ErrTransient, txErr.Error()).WithFnLabel("Create")
	}
	return rsvErrs, nil
}

func insertOrderMeta(ctx context.Context, tx *sql.Tx, ls *order.LineSet) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_meta (order_id, owner_id, create_time, buyer_currency, buyer_rate)
		 VALUES ($1,$2,$3,$4,$5)`,
		ls.OrderID, ls.OwnerID, ls.CreateTime, ls.Currency.Buyer.Label, ls.Currency.Buyer.Rate.String(),
	)
	if err != nil {
		return err
	}
	for storeID, rate := range ls.Currency.Sellers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_seller_currency (order_id, store_id, currency, rate) VALUES ($1,$2,$3,$4)`,
			ls.OrderID, storeID, rate.Label, rate.Rate.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func insertContact(ctx context.Context, tx *sql.Tx, orderID, label string, c Contact) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO order_contact (order_id, label, full_name, emails, phones, address_line)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		orderID, label, c.FullName, strings.Join(c.Emails, ","), strings.Join(c.Phones, ","), c.AddressLine,
	)
	return err
}

func insertLines(ctx context.Context, tx *sql.Tx, ls *order.LineSet) error {
	for _, l := range ls.Lines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_line (order_id, store_id, product_type, product_id, attr_set_seq, unit_price, total_price,
			                          qty_reserved, qty_paid, reserved_until, warranty_until)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			ls.OrderID, l.ID.StoreID(), string(l.ProductType), l.ID.ProductID(), l.ID.AttrSeqNum(), l.Price.Unit, l.Price.Total,
			l.Quantity.Reserved, l.Quantity.Paid, l.Policy.ReservedUntil, l.Policy.WarrantyUntil,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) fetchLines(ctx context.Context, tx queryer, orderID string, filter []money.OrderLineIdentity) ([]*order.Line, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT store_id, product_type, product_id, attr_set_seq, unit_price, total_price, qty_reserved, qty_paid,
		        paid_last_update, reserved_until, warranty_until
		 FROM order_line WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*order.Line
	for rows.Next() {
		var storeID uint32
		var productType string
		var productID uint64
		var attrSeq uint16
		var unit, total uint32
		var qtyRsv, qtyPaid uint32
		var paidLastUpdate sql.NullTime
		var reservedUntil, warrantyUntil time.Time
		if err := rows.Scan(&storeID, &productType, &productID, &attrSeq, &unit, &total, &qtyRsv, &qtyPaid,
			&paidLastUpdate, &reservedUntil, &warrantyUntil); err != nil {
			return nil, err
		}
		l := &order.Line{
			ID:          money.NewOrderLineIdentity(storeID, productID, attrSeq),
			ProductType: money.ProductType(productType),
			Price:       order.LinePrice{Unit: unit, Total: total},
			Quantity:    order.Quantity{Reserved: qtyRsv, Paid: qtyPaid},
			Policy:      order.AppliedPolicy{ReservedUntil: reservedUntil, WarrantyUntil: warrantyUntil},
		}
		if paidLastUpdate.Valid {
			t := paidLastUpdate.Time
			l.Quantity.PaidLastUpdate = &t
		}
		if len(filter) == 0 {
			out = append(out, l)
			continue
		}
		for _, id := range filter {
			if l.ID.Equal(id) {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *Postgres) FetchAllLines(ctx context.Context, orderID string) ([]*order.Line, *money.AppError) {
	lines, err := p.fetchLines(ctx, p.DB, orderID, nil)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchAllLines")
	}
	return lines, nil
}

func (p *Postgres) FetchLinesByPID(ctx context.Context, orderID string, ids []money.OrderLineIdentity) ([]*order.Line, *money.AppError) {
	lines, err := p.fetchLines(ctx, p.DB, orderID, ids)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchLinesByPID")
	}
	return lines, nil
}

func (p *Postgres) fetchContact(ctx context.Context, orderID, label string) (Contact, *money.AppError) {
	var c Contact
	var emails, phones string
	err := p.DB.QueryRowContext(ctx,
		`SELECT full_name, emails, phones, address_line FROM order_contact WHERE order_id=$1 AND label=$2`,
		orderID, label,
	).Scan(&c.FullName, &emails, &phones, &c.AddressLine)
	if err == sql.ErrNoRows {
		return Contact{}, money.NewAppError(money.ErrNotExist, "contact not found").WithFnLabel("fetchContact")
	}
	if err != nil {
		return Contact{}, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("fetchContact")
	}
	c.Label = label
	if emails != "" {
		c.Emails = strings.Split(emails, ",")
	}
	if phones != "" {
		c.Phones = strings.Split(phones, ",")
	}
	return c, nil
}

func (p *Postgres) FetchBilling(ctx context.Context, orderID string) (Contact, *money.AppError) {
	return p.fetchContact(ctx, orderID, "billing")
}

func (p *Postgres) FetchShipping(ctx context.Context, orderID string) (Contact, *money.AppError) {
	return p.fetchContact(ctx, orderID, "shipping")
}

func (p *Postgres) CurrencyExrates(ctx context.Context, orderID string) (money.OrderCurrencySnapshot, *money.AppError) {
	var snap money.OrderCurrencySnapshot
	var buyerLabel, buyerRate string
	err := p.DB.QueryRowContext(ctx,
		`SELECT buyer_currency, buyer_rate FROM order_meta WHERE order_id=$1`, orderID,
	).Scan(&buyerLabel, &buyerRate)
	if err == sql.ErrNoRows {
		return snap, money.NewAppError(money.ErrNotExist, "order not found").WithFnLabel("CurrencyExrates")
	}
	if err != nil {
		return snap, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("CurrencyExrates")
	}
	rate, decErr := decimal.NewFromString(buyerRate)
	if decErr != nil {
		return snap, money.NewAppError(money.ErrDataCorruption, decErr.Error()).WithFnLabel("CurrencyExrates")
	}
	snap.Buyer = money.CurrencyRate{Label: money.CurrencyLabel(buyerLabel), Rate: rate}
	snap.Sellers = make(map[uint32]money.CurrencyRate)

	rows, err := p.DB.QueryContext(ctx, `SELECT store_id, currency, rate FROM order_seller_currency WHERE order_id=$1`, orderID)
	if err != nil {
		return snap, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("CurrencyExrates")
	}
	defer rows.Close()
	for rows.Next() {
		var storeID uint32
		var label, rawRate string
		if err := rows.Scan(&storeID, &label, &rawRate); err != nil {
			return snap, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("CurrencyExrates")
		}
		r, decErr := decimal.NewFromString(rawRate)
		if decErr != nil {
			return snap, money.NewAppError(money.ErrDataCorruption, decErr.Error()).WithFnLabel("CurrencyExrates")
		}
		snap.Sellers[storeID] = money.CurrencyRate{Label: money.CurrencyLabel(label), Rate: r}
	}
	return snap, nil
}

func (p *Postgres) OwnerID(ctx context.Context, orderID string) (uint32, *money.AppError) {
	var owner uint32
	err := p.DB.QueryRowContext(ctx, `SELECT owner_id FROM order_meta WHERE order_id=$1`, orderID).Scan(&owner)
	if err == sql.ErrNoRows {
		return 0, money.NewAppError(money.ErrNotExist, "order not found").WithFnLabel("OwnerID")
	}
	if err != nil {
		return 0, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("OwnerID")
	}
	return owner, nil
}

func (p *Postgres) CreatedTime(ctx context.Context, orderID string) (time.Time, *money.AppError) {
	var t time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT create_time FROM order_meta WHERE order_id=$1`, orderID).Scan(&t)
	if err == sql.ErrNoRows {
		return t, money.NewAppError(money.ErrNotExist, "order not found").WithFnLabel("CreatedTime")
	}
	if err != nil {
		return t, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("CreatedTime")
	}
	return t, nil
}

func (p *Postgres) UpdateLinesPayment(ctx context.Context, orderID string, ids []money.OrderLineIdentity, fn UpdatePaymentsFn) ([]order.PaymentUpdateError, *money.AppError) {
	var result []order.PaymentUpdateError
	txErr := func() error {
		tx, err := p.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderRowLockKey(orderID)); err != nil {
			return err
		}
		lines, err := p.fetchLines(ctx, tx, orderID, ids)
		if err != nil {
			return err
		}
		result = fn(lines)

		applied := 0
		for i, l := range lines {
			failed := false
			for _, e := range result {
				if e.StoreID == l.ID.StoreID() && e.ProductID == l.ID.ProductID() && e.AttrSetSeq == l.ID.AttrSeqNum() {
					failed = true
					break
				}
			}
			if failed {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE order_line SET qty_paid=$1, paid_last_update=$2
				 WHERE order_id=$3 AND store_id=$4 AND product_id=$5 AND attr_set_seq=$6`,
				lines[i].Quantity.Paid, lines[i].Quantity.PaidLastUpdate, orderID,
				l.ID.StoreID(), l.ID.ProductID(), l.ID.AttrSeqNum(),
			); err != nil {
				return err
			}
			applied++
		}
		if applied == 0 {
			return nil
		}
		return tx.Commit()
	}()
	if txErr != nil {
		return nil, money.NewAppError(money.ErrTransient, txErr.Error()).WithFnLabel("UpdateLinesPayment")
	}
	return result, nil
}

func orderRowLockKey(orderID string) int64 {
	var h int64
	for _, c := range orderID {
		h = h*31 + int64(c)
	}
	return h
}

func (p *Postgres) FetchLinesByRsvTime(ctx context.Context, t0, t1 time.Time, cb FetchByRsvTimeFn) *money.AppError {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT DISTINCT order_id FROM order_line WHERE reserved_until > $1 AND reserved_until <= $2`, t0, t1)
	if err != nil {
		return money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchLinesByRsvTime")
	}
	var orderIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchLinesByRsvTime")
		}
		orderIDs = append(orderIDs, id)
	}
	rows.Close()

	for _, id := range orderIDs {
		lines, err := p.fetchLines(ctx, p.DB, id, nil)
		if err != nil {
			return money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchLinesByRsvTime")
		}
		owner, aerr := p.OwnerID(ctx, id)
		if aerr != nil {
			return aerr
		}
		created, aerr := p.CreatedTime(ctx, id)
		if aerr != nil {
			return aerr
		}
		currency, aerr := p.CurrencyExrates(ctx, id)
		if aerr != nil {
			return aerr
		}
		ls := order.FromRepo(id, owner, created, currency, lines)
		if err := cb(ctx, ls); err != nil {
			return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("FetchLinesByRsvTime")
		}
	}
	return nil
}

func (p *Postgres) CancelUnpaidLastTime(ctx context.Context) (time.Time, *money.AppError) {
	var t time.Time
	err := p.DB.QueryRowContext(ctx, `SELECT last_run FROM discard_scheduler_progress WHERE id=1`).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return t, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("CancelUnpaidLastTime")
	}
	return t, nil
}

func (p *Postgres) CancelUnpaidTimeUpdate(ctx context.Context, t time.Time) *money.AppError {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO discard_scheduler_progress (id, last_run) VALUES (1,$1)
		 ON CONFLICT (id) DO UPDATE SET last_run=$1`, t)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("CancelUnpaidTimeUpdate")
	}
	return nil
}

func (p *Postgres) ReturnStock(ctx context.Context, fn StockReturnFn) *money.AppError {
	err := p.withStockLock(ctx, func(tx *sql.Tx, levels *stock.LevelSet) error {
		fn(levels)
		return nil
	})
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("ReturnStock")
	}
	return nil
}

func (p *Postgres) SaveReturns(ctx context.Context, orderID string, returns []*order.Return) *money.AppError {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveReturns")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_return WHERE order_id=$1`, orderID); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveReturns")
	}
	for _, r := range returns {
		for t, q := range r.Qty {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO order_return (order_id, store_id, product_id, attr_set_seq, request_time, qty, unit_price, total_price)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				orderID, r.ID.StoreID(), r.ID.ProductID(), r.ID.AttrSeqNum(), t, q.Qty, q.Price.Unit, q.Price.Total,
			)
			if err != nil {
				return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveReturns")
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveReturns")
	}
	return nil
}

func (p *Postgres) FetchReturns(ctx context.Context, orderID string) ([]*order.Return, *money.AppError) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT store_id, product_id, attr_set_seq, request_time, qty, unit_price, total_price
		 FROM order_return WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchReturns")
	}
	defer rows.Close()

	byID := make(map[money.OrderLineIdentity]*order.Return)
	for rows.Next() {
		var storeID uint32
		var productID uint64
		var attrSeq uint16
		var reqTime time.Time
		var qty, unit, total uint32
		if err := rows.Scan(&storeID, &productID, &attrSeq, &reqTime, &qty, &unit, &total); err != nil {
			return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchReturns")
		}
		id := money.NewOrderLineIdentity(storeID, productID, attrSeq)
		r, ok := byID[id]
		if !ok {
			r = &order.Return{ID: id, Qty: make(map[time.Time]order.ReturnQuantity)}
			byID[id] = r
		}
		r.Qty[reqTime] = order.ReturnQuantity{Qty: qty, Price: order.LinePrice{Unit: unit, Total: total}}
	}
	out := make([]*order.Return, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out, nil
}

// stockRowKey renders the stock table's composite key:
// store/product_type/product_id/expiry_yyyymmddhhmmss.
func stockRowKey(storeID uint32, productType money.ProductType, productID uint64, expiry time.Time) string {
	return fmt.Sprintf("%d/%s/%d/%s", storeID, productType, productID, expiry.UTC().Format("20060102150405"))
}

// rsvDetailEncode renders a reservation map as the space-separated
// order_id/qty pairs the stock table stores in rsv_detail.
func rsvDetailEncode(m map[string]uint32) string {
	parts := make([]string, 0, len(m))
	for orderID, qty := range m {
		parts = append(parts, orderID+"/"+strconv.FormatUint(uint64(qty), 10))
	}
	return strings.Join(parts, " ")
}

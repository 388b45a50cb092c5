// Package repo is the SQL-backed ChargeRepo/RefundRepo/MerchantRepo for
// cmd/paymentservice, shaped after internal/order/repo.Postgres: a thin
// struct over *sql.DB, one method per use-case dependency, per-line rows
// rather than a JSON blob so charge/refund lines stay queryable.
package repo

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
	"storefront-backend/internal/payment/refund"
	"storefront-backend/internal/payment/usecase"
)

type Postgres struct {
	DB *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

// ── ChargeRepo ───────────────────────────────────────

func (p *Postgres) SaveCharge(ctx context.Context, c *charge.Buyer) *money.AppError {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO charge_meta (order_id, create_time, owner_id, progress, progress_at,
		                          session_id, session_state, payment_state, payment_intent_id, session_expiry,
		                          buyer_currency, buyer_rate)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (order_id, create_time) DO UPDATE SET
		   progress=$4, progress_at=$5, session_id=$6, session_state=$7, payment_state=$8,
		   payment_intent_id=$9, session_expiry=$10`,
		c.Meta.OrderID, c.Meta.CreateTime, c.Meta.Owner, string(c.Meta.Progress.Name), c.Meta.Progress.At,
		c.Meta.Method.SessionID, string(c.Meta.Method.SessionState), string(c.Meta.Method.PaymentState),
		c.Meta.Method.PaymentIntentID, c.Meta.Method.Expiry,
		string(c.Currency.Buyer.Label), c.Currency.Buyer.Rate.String(),
	)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
	}

	for storeID, rate := range c.Currency.Sellers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO charge_seller_currency (order_id, create_time, store_id, currency, rate) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (order_id, create_time, store_id) DO UPDATE SET currency=$4, rate=$5`,
			c.Meta.OrderID, c.Meta.CreateTime, storeID, string(rate.Label), rate.Rate.String(),
		); err != nil {
			return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM charge_line WHERE order_id=$1 AND create_time=$2`,
		c.Meta.OrderID, c.Meta.CreateTime); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
	}
	for _, l := range c.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO charge_line (order_id, create_time, store_id, product_id, attr_set_seq,
			                          amt_unit, amt_total, amt_qty,
			                          refund_unit, refund_total, refund_qty, num_rejected)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			c.Meta.OrderID, c.Meta.CreateTime, l.ID.StoreID(), l.ID.ProductID(), l.ID.AttrSeqNum(),
			l.AmountOrig.Unit, l.AmountOrig.Total, l.AmountOrig.Qty,
			l.AmountRefund.Unit, l.AmountRefund.Total, l.AmountRefund.Qty, l.NumRejected,
		); err != nil {
			return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
		}
	}
	if err := tx.Commit(); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveCharge")
	}
	return nil
}

func (p *Postgres) fetchCharges(ctx context.Context, orderID string) ([]*charge.Buyer, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT owner_id, create_time, progress, progress_at, session_id, session_state, payment_state,
		        payment_intent_id, session_expiry, buyer_currency, buyer_rate
		 FROM charge_meta WHERE order_id=$1 ORDER BY create_time`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*charge.Buyer
	for rows.Next() {
		var c charge.Buyer
		var progress, sessionState, paymentState, buyerLabel, buyerRate string
		var sessionID, paymentIntentID sql.NullString
		var progressAt, sessionExpiry sql.NullTime
		if err := rows.Scan(&c.Meta.Owner, &c.Meta.CreateTime, &progress, &progressAt, &sessionID, &sessionState,
			&paymentState, &paymentIntentID, &sessionExpiry, &buyerLabel, &buyerRate); err != nil {
			return nil, err
		}
		c.Meta.OrderID = orderID
		c.Meta.Progress = charge.BuyerPayInState{Name: charge.BuyerPayInStateName(progress), At: progressAt.Time}
		c.Meta.Method = charge.Charge3party{
			SessionID: sessionID.String, SessionState: charge.SessionState(sessionState),
			PaymentState: charge.PaymentState(paymentState), PaymentIntentID: paymentIntentID.String,
			Expiry: sessionExpiry.Time,
		}
		rate, decErr := money.ParseAmount(buyerRate)
		if decErr != nil {
			return nil, decErr
		}
		c.Currency.Buyer = money.CurrencyRate{Label: money.CurrencyLabel(buyerLabel), Rate: rate}
		c.Currency.Sellers = make(map[uint32]money.CurrencyRate)
		out = append(out, &c)
	}
	for _, c := range out {
		if err := p.fetchChargeDetail(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) fetchChargeDetail(ctx context.Context, c *charge.Buyer) error {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT store_id, currency, rate FROM charge_seller_currency WHERE order_id=$1 AND create_time=$2`,
		c.Meta.OrderID, c.Meta.CreateTime)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var storeID uint32
		var label, rawRate string
		if err := rows.Scan(&storeID, &label, &rawRate); err != nil {
			return err
		}
		rate, err := money.ParseAmount(rawRate)
		if err != nil {
			return err
		}
		c.Currency.Sellers[storeID] = money.CurrencyRate{Label: money.CurrencyLabel(label), Rate: rate}
	}

	lineRows, err := p.DB.QueryContext(ctx,
		`SELECT store_id, product_id, attr_set_seq, amt_unit, amt_total, amt_qty,
		        refund_unit, refund_total, refund_qty, num_rejected
		 FROM charge_line WHERE order_id=$1 AND create_time=$2`, c.Meta.OrderID, c.Meta.CreateTime)
	if err != nil {
		return err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var storeID uint32
		var productID uint64
		var attrSeq uint16
		var unit, total, qty, refUnit, refTotal, refQty, numRejected uint32
		if err := lineRows.Scan(&storeID, &productID, &attrSeq, &unit, &total, &qty, &refUnit, &refTotal, &refQty, &numRejected); err != nil {
			return err
		}
		c.Lines = append(c.Lines, &charge.Line{
			ID:           money.NewOrderLineIdentity(storeID, productID, attrSeq),
			AmountOrig:   charge.LineAmount{Unit: unit, Total: total, Qty: qty},
			AmountRefund: charge.LineAmount{Unit: refUnit, Total: refTotal, Qty: refQty},
			NumRejected:  numRejected,
		})
	}
	return nil
}

// FetchCharge returns the caller's most recent charge on the order; owner 0
// skips the ownership filter (internal callers).
func (p *Postgres) FetchCharge(ctx context.Context, owner uint32, orderID string) (*charge.Buyer, *money.AppError) {
	charges, err := p.fetchCharges(ctx, orderID)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchCharge")
	}
	var latest *charge.Buyer
	for _, c := range charges {
		if owner != 0 && c.Meta.Owner != owner {
			continue
		}
		if latest == nil || c.Meta.CreateTime.After(latest.Meta.CreateTime) {
			latest = c
		}
	}
	if latest == nil {
		return nil, money.NewAppError(money.ErrNotExist, "charge not found").WithFnLabel("FetchCharge")
	}
	return latest, nil
}

func (p *Postgres) FetchChargesByOrder(ctx context.Context, orderID string) ([]*charge.Buyer, *money.AppError) {
	charges, err := p.fetchCharges(ctx, orderID)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchChargesByOrder")
	}
	return charges, nil
}

// ── RefundRepo ───────────────────────────────────────

func (p *Postgres) FetchRefund(ctx context.Context, orderID string) (*refund.Refund, *money.AppError) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT store_id, product_id, attr_set_seq, req_unit, req_total, req_qty, create_time,
		        refunded_unit, refunded_total, refunded_qty, reject_reasons
		 FROM refund_line WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchRefund")
	}
	defer rows.Close()

	out := &refund.Refund{OrderID: orderID}
	for rows.Next() {
		var storeID uint32
		var productID uint64
		var attrSeq uint16
		var reqUnit, reqTotal, reqQty, refUnit, refTotal, refQty uint32
		var createTime time.Time
		var rejectRaw string
		if err := rows.Scan(&storeID, &productID, &attrSeq, &reqUnit, &reqTotal, &reqQty, &createTime,
			&refUnit, &refTotal, &refQty, &rejectRaw); err != nil {
			return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchRefund")
		}
		out.Lines = append(out.Lines, &refund.OLineRefund{
			ID:             money.NewOrderLineIdentity(storeID, productID, attrSeq),
			AmountReq:      charge.LineAmount{Unit: reqUnit, Total: reqTotal, Qty: reqQty},
			CreateTime:     createTime,
			AmountRefunded: charge.LineAmount{Unit: refUnit, Total: refTotal, Qty: refQty},
			Reject:         decodeRejectMap(rejectRaw),
		})
	}
	return out, nil
}

func (p *Postgres) SaveRefund(ctx context.Context, ref *refund.Refund) *money.AppError {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveRefund")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM refund_line WHERE order_id=$1`, ref.OrderID); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveRefund")
	}
	for _, l := range ref.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refund_line (order_id, store_id, product_id, attr_set_seq, req_unit, req_total, req_qty,
			                          create_time, refunded_unit, refunded_total, refunded_qty, reject_reasons)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			ref.OrderID, l.ID.StoreID(), l.ID.ProductID(), l.ID.AttrSeqNum(),
			l.AmountReq.Unit, l.AmountReq.Total, l.AmountReq.Qty, l.CreateTime,
			l.AmountRefunded.Unit, l.AmountRefunded.Total, l.AmountRefunded.Qty, encodeRejectMap(l.Reject),
		); err != nil {
			return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveRefund")
		}
	}
	if err := tx.Commit(); err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveRefund")
	}
	return nil
}

// reject_reasons is stored as "REASON:count,REASON:count" rather than a
// second table since the reason set is small and fixed (refund.RejectReason).
func encodeRejectMap(m map[refund.RejectReason]uint32) string {
	parts := make([]string, 0, len(m))
	for reason, n := range m {
		parts = append(parts, string(reason)+":"+strconv.FormatUint(uint64(n), 10))
	}
	return strings.Join(parts, ",")
}

func decodeRejectMap(raw string) map[refund.RejectReason]uint32 {
	out := make(map[refund.RejectReason]uint32)
	if raw == "" {
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			continue
		}
		out[refund.RejectReason(kv[0])] = uint32(n)
	}
	return out
}

// ── MerchantRepo ─────────────────────────────────────

func (p *Postgres) FetchMerchant(ctx context.Context, merchantID uint32) (*usecase.MerchantProfile, *money.AppError) {
	var m usecase.MerchantProfile
	var connectAccountID sql.NullString
	err := p.DB.QueryRowContext(ctx,
		`SELECT id, name, supervisor_id, staff_ids, last_update, connect_account_id FROM merchant WHERE id=$1`,
		merchantID,
	).Scan(&m.ID, &m.Name, &m.SupervisorID, &staffIDsScanner{&m.StaffIDs}, &m.LastUpdate, &connectAccountID)
	if err == sql.ErrNoRows {
		return nil, money.NewAppError(money.ErrNotExist, "merchant not found").WithFnLabel("FetchMerchant")
	}
	if err != nil {
		return nil, money.NewAppError(money.ErrDataCorruption, err.Error()).WithFnLabel("FetchMerchant")
	}
	m.ConnectAccountID = connectAccountID.String
	return &m, nil
}

func (p *Postgres) SaveMerchant(ctx context.Context, m *usecase.MerchantProfile) *money.AppError {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO merchant (id, name, supervisor_id, staff_ids, last_update, connect_account_id)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
		   name=$2, supervisor_id=$3, staff_ids=$4, last_update=$5, connect_account_id=$6`,
		m.ID, m.Name, m.SupervisorID, encodeStaffIDs(m.StaffIDs), m.LastUpdate, m.ConnectAccountID,
	)
	if err != nil {
		return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("SaveMerchant")
	}
	return nil
}

func encodeStaffIDs(ids []uint32) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	return strings.Join(parts, ",")
}

// staffIDsScanner adapts the comma-joined staff_ids column to sql.Scan.
type staffIDsScanner struct{ dst *[]uint32 }

func (s *staffIDsScanner) Scan(src any) error {
	raw, _ := src.(string)
	if raw == "" {
		*s.dst = nil
		return nil
	}
	var out []uint32
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	*s.dst = out
	return nil
}

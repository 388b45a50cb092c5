// Package rpcserver is the order-service side of the RPC envelope defined
// by internal/rpcclient: it consumes the seven routes over AMQP and
// dispatches each to internal/order/usecase.OrderUseCases, replying on the
// caller's reply-to queue keyed by correlation id. One consumer goroutine
// owns each bound queue's delivery channel.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/order/usecase"
	"storefront-backend/internal/rpcclient"
	"storefront-backend/internal/stock"
)

// Server consumes every route named in its bindings and dispatches to uc.
type Server struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	uc       *usecase.OrderUseCases
	bindings map[rpcclient.Route]rpcclient.Binding
}

func Dial(amqpURL string, bindings map[rpcclient.Route]rpcclient.Binding, uc *usecase.OrderUseCases) (*Server, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rpcserver: channel: %w", err)
	}
	for route, b := range bindings {
		if b.Exchange == "" || b.Queue == "" {
			continue
		}
		if err := ch.ExchangeDeclare(b.Exchange, "direct", b.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("rpcserver: declare exchange for %s: %w", route, err)
		}
		if _, err := ch.QueueDeclare(b.Queue, b.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("rpcserver: declare queue for %s: %w", route, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("rpcserver: bind queue for %s: %w", route, err)
		}
	}
	return &Server{conn: conn, ch: ch, uc: uc, bindings: bindings}, nil
}

func (s *Server) Close() error {
	s.ch.Close()
	return s.conn.Close()
}

// Serve starts one consumer goroutine per bound route and blocks until ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	for route, b := range s.bindings {
		if b.Exchange == "" || b.Queue == "" {
			continue
		}
		msgs, err := s.ch.Consume(b.Queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("rpcserver: consume %s: %w", route, err)
		}
		go s.consumeLoop(ctx, route, msgs)
	}
	<-ctx.Done()
	return nil
}

func (s *Server) consumeLoop(ctx context.Context, route rpcclient.Route, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			s.handleDelivery(ctx, route, d)
		}
	}
}

func (s *Server) handleDelivery(ctx context.Context, route rpcclient.Route, d amqp.Delivery) {
	var env rpcclient.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Printf("[rpcserver] malformed envelope on %s: %v", route, err)
		d.Ack(false)
		return
	}

	reply, err := s.dispatch(ctx, env.Route, env.MsgBody)
	if err != nil {
		log.Printf("[rpcserver] %s failed: %v", env.Route, err)
	}
	if d.ReplyTo != "" {
		pub := amqp.Publishing{ContentType: "application/json", CorrelationId: d.CorrelationId, Body: reply}
		if perr := s.ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, pub); perr != nil {
			log.Printf("[rpcserver] reply publish failed for %s: %v", env.Route, perr)
		}
	}
	d.Ack(false)
}

func (s *Server) dispatch(ctx context.Context, route rpcclient.Route, body []byte) ([]byte, error) {
	switch route {
	case rpcclient.RouteUpdateStoreProducts, rpcclient.RouteStockLevelEdit, rpcclient.RouteStockReturnCancelled:
		return s.handleStockEdits(ctx, body)
	case rpcclient.RouteOrderReservedReplicaPayment, rpcclient.RouteOrderReservedReplicaInv:
		return s.handleReplica(ctx, body)
	case rpcclient.RouteOrderReturnedReplicaRefund:
		return s.handleReplicaRefund(ctx, body)
	case rpcclient.RouteOrderReservedUpdatePayment:
		return s.handleUpdatePayment(ctx, body)
	default:
		return nil, fmt.Errorf("rpcserver: unknown route %s", route)
	}
}

type stockEditWire struct {
	Edits []struct {
		StoreID     uint32 `json:"store_id"`
		ProductType string `json:"product_type"`
		ProductID   uint64 `json:"product_id"`
		Expiry      string `json:"expiry"`
		QtyDelta    int64  `json:"qty_delta"`
	} `json:"edits"`
}

func (s *Server) handleStockEdits(ctx context.Context, body []byte) ([]byte, error) {
	var wire stockEditWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("handleStockEdits: %w", err)
	}
	edits := make([]stock.EditEntry, 0, len(wire.Edits))
	for _, e := range wire.Edits {
		expiry, err := time.Parse(time.RFC3339, e.Expiry)
		if err != nil {
			return nil, fmt.Errorf("handleStockEdits: expiry %q: %w", e.Expiry, err)
		}
		edits = append(edits, stock.EditEntry{
			StoreID: e.StoreID, ProductType: money.ProductType(e.ProductType), ProductID: e.ProductID,
			Expiry: expiry, QtyDelta: e.QtyDelta,
		})
	}
	if aerr := s.uc.ApplyStockEdits(ctx, edits); aerr != nil {
		return json.Marshal(map[string]string{"error": aerr.Error()})
	}
	return json.Marshal(map[string]bool{"ok": true})
}

// orderReplicaWire mirrors internal/payment/usecase.orderReplicaWire
// exactly — the two services never import each other across the RPC
// boundary, so the wire shape is duplicated here rather than shared; the
// boundary is a wire contract, not a Go interface.
type orderReplicaWire struct {
	BuyerRateLabel string `json:"buyer_rate_label"`
	BuyerRate      string `json:"buyer_rate"`
	Sellers        []struct {
		StoreID uint32 `json:"store_id"`
		Label   string `json:"label"`
		Rate    string `json:"rate"`
	} `json:"sellers"`
	Lines []struct {
		StoreID   uint32 `json:"store_id"`
		ProductID uint64 `json:"product_id"`
		AttrSeq   uint16 `json:"attr_seq"`
		Unit      uint32 `json:"unit"`
		Total     uint32 `json:"total"`
		Qty       uint32 `json:"qty"`
	} `json:"lines"`
}

type orderIDWire struct {
	OrderID string `json:"order_id"`
}

func encodeReplica(ls *order.LineSet) orderReplicaWire {
	wire := orderReplicaWire{
		BuyerRateLabel: string(ls.Currency.Buyer.Label),
		BuyerRate:      ls.Currency.Buyer.Rate.String(),
	}
	storeIDs := make([]uint32, 0, len(ls.Currency.Sellers))
	for id := range ls.Currency.Sellers {
		storeIDs = append(storeIDs, id)
	}
	sort.Slice(storeIDs, func(i, j int) bool { return storeIDs[i] < storeIDs[j] })
	for _, id := range storeIDs {
		rate := ls.Currency.Sellers[id]
		wire.Sellers = append(wire.Sellers, struct {
			StoreID uint32 `json:"store_id"`
			Label   string `json:"label"`
			Rate    string `json:"rate"`
		}{StoreID: id, Label: string(rate.Label), Rate: rate.Rate.String()})
	}
	for _, l := range ls.Lines {
		wire.Lines = append(wire.Lines, struct {
			StoreID   uint32 `json:"store_id"`
			ProductID uint64 `json:"product_id"`
			AttrSeq   uint16 `json:"attr_seq"`
			Unit      uint32 `json:"unit"`
			Total     uint32 `json:"total"`
			Qty       uint32 `json:"qty"`
		}{
			StoreID: l.ID.StoreID(), ProductID: l.ID.ProductID(), AttrSeq: l.ID.AttrSeqNum(),
			Unit: l.Price.Unit, Total: l.Price.Total, Qty: l.Quantity.Reserved,
		})
	}
	return wire
}

func (s *Server) handleReplica(ctx context.Context, body []byte) ([]byte, error) {
	var req orderIDWire
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("handleReplica: %w", err)
	}
	ls, aerr := s.uc.OrderReplicaPayment(ctx, req.OrderID)
	if aerr != nil {
		return json.Marshal(map[string]string{"error": aerr.Error()})
	}
	return json.Marshal(encodeReplica(ls))
}

// replicaRefundWire carries one row per accepted return *request* (not one
// aggregate row per line) — the merchant-side refund ledger keys each
// OLineRefund by (product_id, time_issued), so the payment service needs
// the per-request-time qty/price breakdown to build it via
// refund.TryFromRaw, not just a summed NumReturned.
type replicaRefundWire struct {
	orderReplicaWire
	Returns []struct {
		StoreID     uint32 `json:"store_id"`
		ProductID   uint64 `json:"product_id"`
		AttrSeq     uint16 `json:"attr_seq"`
		Qty         uint32 `json:"qty"`
		UnitPrice   uint32 `json:"unit_price"`
		TotalPrice  uint32 `json:"total_price"`
		RequestTime string `json:"request_time"`
	} `json:"returns"`
}

func (s *Server) handleReplicaRefund(ctx context.Context, body []byte) ([]byte, error) {
	var req orderIDWire
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("handleReplicaRefund: %w", err)
	}
	ls, returns, aerr := s.uc.OrderReplicaRefund(ctx, req.OrderID)
	if aerr != nil {
		return json.Marshal(map[string]string{"error": aerr.Error()})
	}
	wire := replicaRefundWire{orderReplicaWire: encodeReplica(ls)}
	for _, r := range returns {
		for requestTime, q := range r.Qty {
			wire.Returns = append(wire.Returns, struct {
				StoreID     uint32 `json:"store_id"`
				ProductID   uint64 `json:"product_id"`
				AttrSeq     uint16 `json:"attr_seq"`
				Qty         uint32 `json:"qty"`
				UnitPrice   uint32 `json:"unit_price"`
				TotalPrice  uint32 `json:"total_price"`
				RequestTime string `json:"request_time"`
			}{
				StoreID: r.ID.StoreID(), ProductID: r.ID.ProductID(), AttrSeq: r.ID.AttrSeqNum(),
				Qty: q.Qty, UnitPrice: q.Price.Unit, TotalPrice: q.Price.Total,
				RequestTime: requestTime.UTC().Format(time.RFC3339),
			})
		}
	}
	return json.Marshal(wire)
}

type updatePaymentWire struct {
	OrderID    string `json:"order_id"`
	ChargeTime string `json:"charge_time"`
	Updates    []struct {
		StoreID   uint32 `json:"store_id"`
		ProductID uint64 `json:"product_id"`
		AttrSeq   uint16 `json:"attr_seq"`
		Qty       uint32 `json:"qty"`
	} `json:"updates"`
}

// paymentUpdateReplyWire mirrors internal/payment/usecase.paymentUpdateReplyWire.
type paymentUpdateReplyWire struct {
	FailedLines []string `json:"failed_lines"`
}

func (s *Server) handleUpdatePayment(ctx context.Context, body []byte) ([]byte, error) {
	var req updatePaymentWire
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("handleUpdatePayment: %w", err)
	}
	updates := make([]order.PaymentUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, order.PaymentUpdate{StoreID: u.StoreID, ProductID: u.ProductID, AttrSetSeq: u.AttrSeq, Qty: u.Qty})
	}
	// charge_time is the payment service's monotone clock for stale-write
	// rejection; fall back to receive time only if the caller omitted it.
	chargeTime := time.Now()
	if req.ChargeTime != "" {
		t, terr := time.Parse(time.RFC3339Nano, req.ChargeTime)
		if terr != nil {
			return nil, fmt.Errorf("handleUpdatePayment: charge_time %q: %w", req.ChargeTime, terr)
		}
		chargeTime = t
	}
	failures, aerr := s.uc.ApplyPaymentUpdate(ctx, req.OrderID, updates, chargeTime)
	if aerr != nil {
		return json.Marshal(map[string]string{"error": aerr.Error()})
	}
	wire := paymentUpdateReplyWire{}
	for _, f := range failures {
		wire.FailedLines = append(wire.FailedLines, fmt.Sprintf("store=%d product=%d attr_seq=%d reason=%s", f.StoreID, f.ProductID, f.AttrSetSeq, f.Reason))
	}
	return json.Marshal(wire)
}

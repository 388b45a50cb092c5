// Package rpcclient implements the RPC envelope consumed by the order
// service — { route, msgbody, retry } — as a request/reply client over
// AMQP (github.com/rabbitmq/amqp091-go) with a per-call reply queue
// matched by correlation id.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Route names the order-service operations reachable over RPC.
type Route string

const (
	RouteUpdateStoreProducts         Route = "update_store_products"
	RouteStockLevelEdit              Route = "stock_level_edit"
	RouteStockReturnCancelled        Route = "stock_return_cancelled"
	RouteOrderReservedReplicaPayment Route = "order_reserved_replica_payment"
	RouteOrderReservedReplicaInv     Route = "order_reserved_replica_inventory"
	RouteOrderReturnedReplicaRefund  Route = "order_returned_replica_refund"
	RouteOrderReservedUpdatePayment  Route = "order_reserved_update_payment"
)

// Envelope is the wire request shape.
type Envelope struct {
	Route   Route  `json:"route"`
	MsgBody []byte `json:"msgbody"`
	Retry   uint8  `json:"retry"`
}

// Binding describes the AMQP queue/exchange topology for one route:
// queue, exchange, routing key, message TTL, durability, reply queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	Durable    bool
	ReplyQueue string
}

// Client issues RPC calls to the order service over AMQP, declaring an
// exclusive reply queue per call. Each request is published once; a publish
// or reply failure is returned to the caller as is, and Envelope.Retry is
// only carried to the server in the envelope.
type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	bindings map[Route]Binding
}

func Dial(amqpURL string, bindings map[Route]Binding) (*Client, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rpcclient: channel: %w", err)
	}
	for route, b := range bindings {
		if b.Exchange == "" {
			continue
		}
		if err := ch.ExchangeDeclare(b.Exchange, "direct", b.Durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("rpcclient: declare exchange for %s: %w", route, err)
		}
	}
	return &Client{conn: conn, ch: ch, bindings: bindings}, nil
}

func (c *Client) Close() error {
	c.ch.Close()
	return c.conn.Close()
}

// Call publishes an envelope for route and waits for the reply on a
// dedicated reply queue, matching messages by correlation id. The caller's
// context bounds the whole round trip.
func (c *Client) Call(ctx context.Context, route Route, payload any, retry uint8) ([]byte, error) {
	binding, ok := c.bindings[route]
	if !ok {
		return nil, fmt.Errorf("rpcclient: no binding for route %s", route)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: marshal payload: %w", err)
	}
	env := Envelope{Route: route, MsgBody: body, Retry: retry}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: marshal envelope: %w", err)
	}

	replyQueue, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: declare reply queue: %w", err)
	}
	msgs, err := c.ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: consume reply queue: %w", err)
	}

	corrID := fmt.Sprintf("%s-%d", route, time.Now().UnixNano())
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          envBytes,
		Expiration:    fmt.Sprintf("%d", binding.TTL.Milliseconds()),
	}
	if err := c.ch.PublishWithContext(ctx, binding.Exchange, binding.RoutingKey, false, false, publishing); err != nil {
		return nil, fmt.Errorf("rpcclient: publish: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil, fmt.Errorf("rpcclient: reply channel closed")
			}
			if d.CorrelationId != corrID {
				continue
			}
			return d.Body, nil
		}
	}
}

// Package config loads the structured tables both processes need beyond
// flat env vars: per-product policy/price, currency labels, and AMQP route
// bindings. A YAML file unmarshaled with github.com/spf13/viper via
// `mapstructure` tags, layered underneath the flat env-var loading in
// cmd/*/main.go rather than replacing it.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/rpcclient"
)

// Config is the top-level structured configuration, loaded once at startup
// by both cmd/orderservice and cmd/paymentservice.
type Config struct {
	Policies  []PolicyEntry   `mapstructure:"policies"`
	Currency  CurrencyConfig  `mapstructure:"currency"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	LockCache LockCacheConfig `mapstructure:"lock_cache"`
}

// PolicyEntry is one (store,product) policy/price row, the YAML-native form
// of order.Policy/order.Price before decimal parsing.
type PolicyEntry struct {
	StoreID        uint32           `mapstructure:"store_id"`
	ProductID      uint64           `mapstructure:"product_id"`
	ProductType    string           `mapstructure:"product_type"`
	MinReserve     uint32           `mapstructure:"min_reserve"`
	MaxReserve     uint32           `mapstructure:"max_reserve"`
	AutoCancelSecs uint32           `mapstructure:"auto_cancel_secs"`
	WarrantyHours  uint32           `mapstructure:"warranty_hours"`
	BasePrice      string           `mapstructure:"base_price"`
	Attributes     []AttributeEntry `mapstructure:"attributes"`
}

type AttributeEntry struct {
	Label     string `mapstructure:"label"`
	Value     string `mapstructure:"value"`
	Surcharge string `mapstructure:"surcharge"`
}

// CurrencyConfig names the buyer-facing currency and the base rate table
// used to seed OrderCurrencySnapshot at order creation.
type CurrencyConfig struct {
	BuyerLabel string            `mapstructure:"buyer_label"`
	SellerRate map[string]string `mapstructure:"seller_rate"`
}

// AMQPConfig is the broker URL plus one Binding entry per rpcclient.Route.
type AMQPConfig struct {
	URL      string             `mapstructure:"url"`
	Bindings []AMQPBindingEntry `mapstructure:"bindings"`
}

type AMQPBindingEntry struct {
	Route      string        `mapstructure:"route"`
	Queue      string        `mapstructure:"queue"`
	Exchange   string        `mapstructure:"exchange"`
	RoutingKey string        `mapstructure:"routing_key"`
	TTL        time.Duration `mapstructure:"ttl"`
	Durable    bool          `mapstructure:"durable"`
	ReplyQueue string        `mapstructure:"reply_queue"`
}

type LockCacheConfig struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// Load reads path as YAML. Env-var overrides stay in cmd/*/main.go
// (envOrDefault) since this file only carries table data with no secrets.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// Bindings converts the YAML bindings table into the map rpcclient.Dial
// expects.
func (c *Config) Bindings() map[rpcclient.Route]rpcclient.Binding {
	out := make(map[rpcclient.Route]rpcclient.Binding, len(c.AMQP.Bindings))
	for _, b := range c.AMQP.Bindings {
		out[rpcclient.Route(b.Route)] = rpcclient.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.RoutingKey,
			TTL:        b.TTL,
			Durable:    b.Durable,
			ReplyQueue: b.ReplyQueue,
		}
	}
	return out
}

// PolicyTable implements order/usecase.PolicyLookup over the YAML-loaded
// policy entries, indexed once at construction.
type PolicyTable struct {
	policies map[policyKey]*order.Policy
	prices   map[policyKey]*order.Price
}

type policyKey struct {
	storeID   uint32
	productID uint64
}

// NewPolicyTable parses every entry's decimal strings up front so lookups
// never fail on malformed config at request time; a bad entry makes
// NewPolicyTable return an error instead, which cmd/orderservice treats as
// fatal at startup.
func NewPolicyTable(entries []PolicyEntry) (*PolicyTable, error) {
	t := &PolicyTable{
		policies: make(map[policyKey]*order.Policy, len(entries)),
		prices:   make(map[policyKey]*order.Price, len(entries)),
	}
	for _, e := range entries {
		key := policyKey{storeID: e.StoreID, productID: e.ProductID}
		productType := money.ProductType(e.ProductType)
		if e.ProductType == "" {
			productType = money.ProductPhysical
		}
		t.policies[key] = &order.Policy{
			StoreID:        e.StoreID,
			ProductID:      e.ProductID,
			ProductType:    productType,
			MinReserve:     e.MinReserve,
			MaxReserve:     e.MaxReserve,
			AutoCancelSecs: e.AutoCancelSecs,
			WarrantyHours:  e.WarrantyHours,
		}
		base, err := decimal.NewFromString(e.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("config: policy store=%d product=%d: bad base_price %q: %w", e.StoreID, e.ProductID, e.BasePrice, err)
		}
		attrs := make([]order.AttributeOption, 0, len(e.Attributes))
		for _, a := range e.Attributes {
			surcharge, err := decimal.NewFromString(a.Surcharge)
			if err != nil {
				return nil, fmt.Errorf("config: policy store=%d product=%d attribute %q: bad surcharge %q: %w", e.StoreID, e.ProductID, a.Value, a.Surcharge, err)
			}
			attrs = append(attrs, order.AttributeOption{Label: a.Label, Value: a.Value, Surcharge: surcharge})
		}
		t.prices[key] = &order.Price{StoreID: e.StoreID, ProductID: e.ProductID, BasePrice: base, Attributes: attrs}
	}
	return t, nil
}

// Policy and Price implement order/usecase.PolicyLookup.
func (t *PolicyTable) Policy(storeID uint32, productID uint64) (*order.Policy, *money.AppError) {
	p, ok := t.policies[policyKey{storeID, productID}]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist,
			fmt.Sprintf("no policy for store=%d product=%d", storeID, productID)).WithFnLabel("Policy")
	}
	return p, nil
}

func (t *PolicyTable) Price(storeID uint32, productID uint64) (*order.Price, *money.AppError) {
	p, ok := t.prices[policyKey{storeID, productID}]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist,
			fmt.Sprintf("no price for store=%d product=%d", storeID, productID)).WithFnLabel("Price")
	}
	return p, nil
}

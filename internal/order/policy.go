package order

import (
	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
)

// Policy is the per-product ordering policy consulted by CreateOrder.
// A zero bound on MinReserve/MaxReserve disables that side of the check.
// ProductType is carried here because the catalog, not the buyer, knows
// what kind of product a numeric id names; order lines inherit it for
// stock reserve/return calls, which key on (type, id, expiry).
type Policy struct {
	StoreID        uint32
	ProductID      uint64
	ProductType    money.ProductType
	MinReserve     uint32
	MaxReserve     uint32
	AutoCancelSecs uint32
	WarrantyHours  uint32
}

// AttributeOption is one selectable attribute value with its price
// surcharge, e.g. "color: red" adding $2.00 to the base unit price.
type AttributeOption struct {
	Label     string
	Value     string
	Surcharge decimal.Decimal
}

// Price is the seller-currency base price plus the catalog of attribute
// surcharges a line may select from.
type Price struct {
	StoreID    uint32
	ProductID  uint64
	BasePrice  decimal.Decimal
	Attributes []AttributeOption
}

// ExtractAttributes resolves the surcharges for the attribute values an
// order line selected, rejecting any value not present in the catalog.
func (p *Price) ExtractAttributes(selected []string) ([]AttributeOption, error) {
	out := make([]AttributeOption, 0, len(selected))
	for _, v := range selected {
		var found *AttributeOption
		for i := range p.Attributes {
			if p.Attributes[i].Value == v {
				found = &p.Attributes[i]
				break
			}
		}
		if found == nil {
			return nil, errAttributeNotInCatalog(v)
		}
		out = append(out, *found)
	}
	return out, nil
}

type attrNotFoundError struct{ value string }

func (e *attrNotFoundError) Error() string { return "attribute not in price catalog: " + e.value }

func errAttributeNotInCatalog(v string) error { return &attrNotFoundError{value: v} }

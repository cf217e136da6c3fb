package domain

import (
	"encoding/json"
	"fmt"
)

// Schema describes how a kind is laid out in the local store.
type Schema struct {
	Kind       Kind
	Table      string
	Indexes    map[string]string // Index name (also the column name) to attribute key.
	References map[string]Kind   // Attribute key to the kind it points at.
}

// Schemas holds the registered kinds.
var Schemas = map[Kind]Schema{
	KindProducts: {
		Kind:    KindProducts,
		Table:   "products",
		Indexes: map[string]string{"category": "category"},
	},
	KindOrders: {
		Kind:       KindOrders,
		Table:      "orders",
		Indexes:    map[string]string{"product_id": "productId", "status": "status"},
		References: map[string]Kind{"productId": KindProducts},
	},
}

// ReplayOrder is the order kinds are reconciled in. Referenced kinds come first.
var ReplayOrder = []Kind{KindProducts, KindOrders}

// SchemaFor returns the schema registered for kind.
func SchemaFor(kind Kind) (Schema, error) {
	schema, ok := Schemas[kind]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return schema, nil
}

// Referencing returns the kinds and attribute keys that reference kind.
func Referencing(kind Kind) map[Kind]string {
	refs := make(map[Kind]string)
	for k, schema := range Schemas {
		for attr, target := range schema.References {
			if target == kind {
				refs[k] = attr
			}
		}
	}
	return refs
}

// Product is the typed view of a catalog item.
type Product struct {
	FarmerID     int64   `json:"farmerId"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Price        float64 `json:"price"`
	Quantity     int     `json:"quantity"`
	Unit         string  `json:"unit"`
	Category     string  `json:"category"`
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	LocationName string  `json:"locationName,omitempty"`
}

// Order is the typed view of a purchase order. ProductID holds a backend id
// or a provisional id while the referenced product has not been synchronized.
type Order struct {
	ProductID  any     `json:"productId"`
	BuyerID    int64   `json:"buyerId"`
	Quantity   int     `json:"quantity"`
	Status     string  `json:"status,omitempty"`
	TotalPrice float64 `json:"totalPrice"`
}

// Attributes converts a typed entity into a record payload.
func Attributes(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling attributes : %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshalling attributes : %w", err)
	}
	return attrs, nil
}

// Decode fills v from the record's attributes.
func (r *Record) Decode(v any) error {
	raw, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("marshalling %s %s : %w", r.Kind, r.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s %s : %w", r.Kind, r.ID, err)
	}
	return nil
}

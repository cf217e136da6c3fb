package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsProvisional(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{id: ProvisionalID(1), want: true},
		{id: "L42", want: true},
		{id: "42", want: false},
		{id: "L", want: false},
		{id: "Lemon", want: false},
	}

	for _, tt := range tests {
		if got := IsProvisional(tt.id); got != tt.want {
			t.Fatalf("IsProvisional(%q)\nwanted:\n%v\ngot:\n%v", tt.id, tt.want, got)
		}
	}
}

func TestIDString(t *testing.T) {
	t.Run("should normalise JSON numbers", func(t *testing.T) {
		got, ok := IDString(float64(7))
		if !ok || got != "7" {
			t.Fatalf("\nwanted:\n7\ngot:\n%q (%v)", got, ok)
		}
	})

	t.Run("should reject empty and unknown values", func(t *testing.T) {
		if _, ok := IDString(""); ok {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
		if _, ok := IDString(nil); ok {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})

	t.Run("should keep provisional ids as strings in payloads", func(t *testing.T) {
		if got := IDValue("L3"); got != "L3" {
			t.Fatalf("\nwanted:\nL3\ngot:\n%v", got)
		}
		if got := IDValue("42"); got != int64(42) {
			t.Fatalf("\nwanted:\n42\ngot:\n%v (%T)", got, got)
		}
	})
}

func TestRecord_Decode(t *testing.T) {
	attrs, err := Attributes(Order{ProductID: "L1", BuyerID: 3, Quantity: 2, TotalPrice: 8})
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if _, ok := attrs["status"]; ok {
		t.Fatalf("\nwanted:\nempty status omitted\ngot:\n%v", attrs)
	}

	rec := &Record{Kind: KindOrders, ID: "L2", Attributes: attrs}
	rec.Merge(map[string]any{"status": "shipped"})

	var order Order
	if err := rec.Decode(&order); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if order.ProductID != "L1" || order.Quantity != 2 || order.Status != "shipped" {
		t.Fatalf("\nwanted:\n{L1 2 shipped}\ngot:\n%+v", order)
	}
}

func TestSchemaFor(t *testing.T) {
	if _, err := SchemaFor(Kind("farmers")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrUnknownKind, err)
	}

	refs := Referencing(KindProducts)
	if refs[KindOrders] != "productId" {
		t.Fatalf("\nwanted:\nproductId\ngot:\n%v", refs)
	}
}

func TestIsTransient(t *testing.T) {
	wrapped := fmt.Errorf("posting order : %w", ErrBackendUnreachable)
	if !IsTransient(wrapped) {
		t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
	}
	if IsTransient(fmt.Errorf("posting order : %w", ErrBackendRejected)) {
		t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
	}
}

package ingest

import (
	"testing"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

func TestBuildCustomerFields(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityCustomer,
		ExternalID: "c1",
		Record: map[string]any{
			"id":         "c1",
			"email":      "  a@b.com ",
			"full_name":  "Ada Lovelace",
			"created_at": "2026-02-01T10:00:00Z",
			"updated_at": "2026-02-02T10:00:00Z",
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("expected one input, got %d", len(inputs))
	}
	input := inputs[0]
	if input.Fields["email"] != "a@b.com" {
		t.Fatalf("expected trimmed email, got %v", input.Fields["email"])
	}
	if input.Fields["name"] != "Ada Lovelace" {
		t.Fatalf("expected full_name fallback, got %v", input.Fields["name"])
	}
	created, ok := input.Fields["upstream_created_at"].(time.Time)
	if !ok || created.Format(time.RFC3339) != "2026-02-01T10:00:00Z" {
		t.Fatalf("unexpected upstream_created_at: %v", input.Fields["upstream_created_at"])
	}
	if input.UpstreamUpdatedAt == nil || input.UpstreamUpdatedAt.Format(time.RFC3339) != "2026-02-02T10:00:00Z" {
		t.Fatalf("unexpected UpstreamUpdatedAt: %v", input.UpstreamUpdatedAt)
	}
}

func TestBuildMinorUnitsWinOverDecimal(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "i1",
		Record: map[string]any{
			"id":          "i1",
			"total_cents": float64(1234),
			"total":       99.99,
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := inputs[0].Fields["total_cents"]; got != int64(1234) {
		t.Fatalf("expected minor units to win, got %v", got)
	}
}

func TestBuildDecimalFallbackRounds(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "i2",
		Record: map[string]any{
			"id":    "i2",
			"total": 0.625,
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := inputs[0].Fields["total_cents"]; got != int64(63) {
		t.Fatalf("expected half-cent rounded away from zero to 63, got %v", got)
	}
}

func TestBuildAbsentFieldsStayAbsent(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "i3",
		Record: map[string]any{
			"id":     "i3",
			"status": "open",
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fields := inputs[0].Fields
	if _, present := fields["total_cents"]; present {
		t.Fatalf("absent money source produced a value: %v", fields["total_cents"])
	}
	if _, present := fields["due_at"]; present {
		t.Fatalf("absent time source produced a value")
	}
}

func TestBuildDropsInsaneTimestamps(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "i4",
		Record: map[string]any{
			"id":     "i4",
			"due_at": "0001-01-01T00:00:00Z",
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, present := inputs[0].Fields["due_at"]; present {
		t.Fatalf("expected out-of-range timestamp dropped")
	}
}

func TestBuildInvoiceNestedItems(t *testing.T) {
	engine := NewEngine()
	inputs, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "inv-1",
		Record: map[string]any{
			"id":          "inv-1",
			"total_cents": float64(500),
			"items": []any{
				map[string]any{"id": "it-1", "description": "seat", "quantity": float64(2), "amount_cents": float64(250)},
				map[string]any{"id": "it-2", "description": "addon", "amount": 1.5},
			},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(inputs) != 3 {
		t.Fatalf("expected invoice plus two items, got %d inputs", len(inputs))
	}
	first := inputs[1]
	if first.Entity != core.EntityInvoiceItem || first.ExternalID != "it-1" {
		t.Fatalf("unexpected first item: %+v", first)
	}
	if first.Fields["invoice_id"] != "inv-1" {
		t.Fatalf("expected parent invoice id injected, got %v", first.Fields["invoice_id"])
	}
	if first.Fields["quantity"] != int64(2) {
		t.Fatalf("unexpected quantity: %v", first.Fields["quantity"])
	}
	second := inputs[2]
	if second.Fields["amount_cents"] != int64(150) {
		t.Fatalf("expected decimal item amount converted to 150, got %v", second.Fields["amount_cents"])
	}
}

func TestBuildInvoiceItemWithoutIDFails(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Build(RoutedUnit{
		Entity:     core.EntityInvoice,
		ExternalID: "inv-2",
		Record: map[string]any{
			"id":    "inv-2",
			"items": []any{map[string]any{"description": "orphan"}},
		},
	})
	if err == nil {
		t.Fatalf("expected error for item without id")
	}
}

func TestBuildUnknownEntityFails(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Build(RoutedUnit{Entity: "ledger", ExternalID: "l1", Record: map[string]any{"id": "l1"}}); err == nil {
		t.Fatalf("expected error for unmapped entity")
	}
	if _, err := engine.Build(RoutedUnit{Entity: core.EntityCustomer, Record: map[string]any{}}); err == nil {
		t.Fatalf("expected error for empty external id")
	}
}

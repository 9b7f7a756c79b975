package ingest

import (
	"testing"

	"github.com/goliatone/go-billing-sync/core"
)

func TestRouteResolvesEntityByPrefix(t *testing.T) {
	router := NewRouter()

	cases := []struct {
		eventName string
		entity    string
	}{
		{"customer.created", core.EntityCustomer},
		{"customer.updated", core.EntityCustomer},
		{"invoice.paid", core.EntityInvoice},
		{"invoice_item.created", core.EntityInvoiceItem},
		{"subscription.canceled", core.EntitySubscription},
		{"plan.updated", core.EntityPlan},
		{"transfer.completed", core.EntityTransfer},
		{"charge.succeeded", core.EntityCharge},
		{"chargeback.opened", core.EntityChargeback},
		{"payment_method.attached", core.EntityPaymentMethod},
		{"payment-method.attached", core.EntityPaymentMethod},
	}
	for _, tc := range cases {
		unit, mapped, err := router.Route(tc.eventName, map[string]any{
			"data": map[string]any{"id": "x-1"},
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.eventName, err)
		}
		if !mapped {
			t.Fatalf("%s: expected mapped event", tc.eventName)
		}
		if unit.Entity != tc.entity {
			t.Fatalf("%s: expected entity %q, got %q", tc.eventName, tc.entity, unit.Entity)
		}
		if unit.ExternalID != "x-1" {
			t.Fatalf("%s: expected external id x-1, got %q", tc.eventName, unit.ExternalID)
		}
	}
}

func TestRouteChargebackNeverMatchesCharge(t *testing.T) {
	router := NewRouter()
	unit, mapped, err := router.Route("chargeback.won", map[string]any{
		"data": map[string]any{"id": "cb-1"},
	})
	if err != nil || !mapped {
		t.Fatalf("route: mapped=%t err=%v", mapped, err)
	}
	if unit.Entity != core.EntityChargeback {
		t.Fatalf("expected chargeback entity, got %q", unit.Entity)
	}
}

func TestRouteUnmappedEventName(t *testing.T) {
	router := NewRouter()
	unit, mapped, err := router.Route("balance.updated", map[string]any{
		"data": map[string]any{"id": "b-1", "amount": 10},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapped {
		t.Fatalf("expected unmapped event")
	}
	if unit.Record == nil {
		t.Fatalf("expected record preserved for the unmapped path")
	}
}

func TestRouteMissingID(t *testing.T) {
	router := NewRouter()
	if _, _, err := router.Route("customer.created", map[string]any{
		"data": map[string]any{"email": "a@b.com"},
	}); err == nil {
		t.Fatalf("expected error for record without id")
	}
}

func TestRouteEmptyInputs(t *testing.T) {
	router := NewRouter()
	if _, _, err := router.Route("", map[string]any{"data": map[string]any{"id": "1"}}); err == nil {
		t.Fatalf("expected error for empty event name")
	}
	if _, _, err := router.Route("customer.created", nil); err == nil {
		t.Fatalf("expected error for nil payload")
	}
}

func TestExtractRecordUnwrapsEnvelope(t *testing.T) {
	record := ExtractRecord(map[string]any{
		"event_name": "customer.created",
		"timestamp":  "2026-01-01T00:00:00Z",
		"data":       map[string]any{"id": "c1", "email": "a@b.com"},
	})
	if record == nil {
		t.Fatalf("expected record")
	}
	if record["id"] != "c1" || record["email"] != "a@b.com" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestExtractRecordBareShape(t *testing.T) {
	record := ExtractRecord(map[string]any{
		"event_name": "customer.created",
		"timestamp":  "2026-01-01T00:00:00Z",
		"id":         "c2",
		"email":      "b@c.com",
	})
	if record == nil {
		t.Fatalf("expected record")
	}
	if _, stray := record["event_name"]; stray {
		t.Fatalf("envelope field leaked into record")
	}
	if record["id"] != "c2" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestExtractRecordEnvelopeOnly(t *testing.T) {
	if record := ExtractRecord(map[string]any{"event_name": "x", "timestamp": "y"}); record != nil {
		t.Fatalf("expected nil record for envelope-only payload, got %v", record)
	}
}

func TestRecordIDNumericCoercion(t *testing.T) {
	if id := recordID(map[string]any{"id": float64(42)}); id != "42" {
		t.Fatalf("expected numeric id coerced to 42, got %q", id)
	}
	if id := recordID(map[string]any{"external_id": "ext-9"}); id != "ext-9" {
		t.Fatalf("expected external_id fallback, got %q", id)
	}
}

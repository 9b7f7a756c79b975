package ingest

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-billing-sync/core"
)

// RoutedUnit is one normalized work item: the target entity operation plus the
// canonical record extracted from whatever envelope shape arrived.
type RoutedUnit struct {
	Entity     string
	ExternalID string
	Record     map[string]any
}

// Router classifies event names onto entity operations. Anything it cannot
// classify routes to the fallback writer, never to a silent drop.
type Router struct{}

func NewRouter() *Router {
	return &Router{}
}

// prefixEntities maps event-name prefixes to target entities. Longer prefixes
// are listed first so chargeback never matches the charge rule.
var prefixEntities = []struct {
	prefix string
	entity string
}{
	{"chargeback", core.EntityChargeback},
	{"charge", core.EntityCharge},
	{"payment_method", core.EntityPaymentMethod},
	{"payment-method", core.EntityPaymentMethod},
	{"customer", core.EntityCustomer},
	{"invoice_item", core.EntityInvoiceItem},
	{"invoice", core.EntityInvoice},
	{"subscription", core.EntitySubscription},
	{"plan", core.EntityPlan},
	{"transfer", core.EntityTransfer},
}

// Route resolves the entity operation and canonical record for one event. The
// bool result is false when the event name maps to no tracked entity; such
// events belong on the unmapped path.
func (r *Router) Route(eventName string, payload map[string]any) (RoutedUnit, bool, error) {
	eventName = strings.ToLower(strings.TrimSpace(eventName))
	if eventName == "" {
		return RoutedUnit{}, false, fmt.Errorf("ingest: event name is required")
	}

	record := ExtractRecord(payload)
	if record == nil {
		return RoutedUnit{}, false, fmt.Errorf("ingest: payload carries no entity object")
	}

	entity := ""
	for _, rule := range prefixEntities {
		if strings.HasPrefix(eventName, rule.prefix) {
			entity = rule.entity
			break
		}
	}
	if entity == "" {
		return RoutedUnit{Record: record}, false, nil
	}

	externalID := recordID(record)
	if externalID == "" {
		return RoutedUnit{}, false, fmt.Errorf("ingest: %s record carries no id", entity)
	}

	return RoutedUnit{
		Entity:     entity,
		ExternalID: externalID,
		Record:     record,
	}, true, nil
}

// ExtractRecord unwraps the data envelope when present and returns the entity
// object. Both `{event_name, data:{...}}` and a bare object normalize to the
// same record.
func ExtractRecord(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	if nested, ok := payload["data"].(map[string]any); ok {
		return nested
	}
	// Bare shape: the payload is the record, minus envelope fields.
	record := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == "event_name" || key == "timestamp" {
			continue
		}
		record[key] = value
	}
	if len(record) == 0 {
		return nil
	}
	return record
}

func recordID(record map[string]any) string {
	if record == nil {
		return ""
	}
	if value, ok := core.StringField(record["id"]); ok {
		return value
	}
	if value, ok := core.StringField(record["external_id"]); ok {
		return value
	}
	return ""
}

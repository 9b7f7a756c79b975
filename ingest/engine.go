package ingest

import (
	"fmt"
	"time"

	"github.com/goliatone/go-billing-sync/core"
)

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldInt
	fieldMoney
	fieldTime
)

// fieldSpec maps one target column to its payload sources. For money fields
// minorSources carry integer minor units and win over decimalSources, which
// are only a rounding fallback.
type fieldSpec struct {
	column         string
	kind           fieldKind
	sources        []string
	minorSources   []string
	decimalSources []string
}

var entityFieldSpecs = map[string][]fieldSpec{
	core.EntityCustomer: {
		{column: "email", kind: fieldText, sources: []string{"email"}},
		{column: "name", kind: fieldText, sources: []string{"name", "full_name"}},
		{column: "description", kind: fieldText, sources: []string{"description"}},
		{column: "phone", kind: fieldText, sources: []string{"phone", "phone_number"}},
	},
	core.EntityInvoice: {
		{column: "customer_id", kind: fieldText, sources: []string{"customer_id", "customer"}},
		{column: "subscription_id", kind: fieldText, sources: []string{"subscription_id", "subscription"}},
		{column: "status", kind: fieldText, sources: []string{"status"}},
		{column: "total_cents", kind: fieldMoney, minorSources: []string{"total_cents", "amount_cents"}, decimalSources: []string{"total", "amount"}},
		{column: "paid_cents", kind: fieldMoney, minorSources: []string{"paid_cents"}, decimalSources: []string{"paid", "amount_paid"}},
		{column: "due_at", kind: fieldTime, sources: []string{"due_at", "due_date"}},
	},
	core.EntityInvoiceItem: {
		{column: "invoice_id", kind: fieldText, sources: []string{"invoice_id", "invoice"}},
		{column: "description", kind: fieldText, sources: []string{"description"}},
		{column: "quantity", kind: fieldInt, sources: []string{"quantity"}},
		{column: "amount_cents", kind: fieldMoney, minorSources: []string{"amount_cents", "price_cents"}, decimalSources: []string{"amount", "price"}},
	},
	core.EntitySubscription: {
		{column: "customer_id", kind: fieldText, sources: []string{"customer_id", "customer"}},
		{column: "plan_id", kind: fieldText, sources: []string{"plan_id", "plan"}},
		{column: "status", kind: fieldText, sources: []string{"status"}},
		{column: "current_period_start", kind: fieldTime, sources: []string{"current_period_start", "period_start"}},
		{column: "current_period_end", kind: fieldTime, sources: []string{"current_period_end", "period_end"}},
		{column: "canceled_at", kind: fieldTime, sources: []string{"canceled_at", "cancelled_at"}},
	},
	core.EntityPlan: {
		{column: "name", kind: fieldText, sources: []string{"name"}},
		{column: "billing_interval", kind: fieldText, sources: []string{"interval", "billing_interval"}},
		{column: "amount_cents", kind: fieldMoney, minorSources: []string{"amount_cents", "price_cents"}, decimalSources: []string{"amount", "price"}},
		{column: "currency", kind: fieldText, sources: []string{"currency"}},
	},
	core.EntityTransfer: {
		{column: "status", kind: fieldText, sources: []string{"status"}},
		{column: "amount_cents", kind: fieldMoney, minorSources: []string{"amount_cents"}, decimalSources: []string{"amount"}},
		{column: "fee_cents", kind: fieldMoney, minorSources: []string{"fee_cents"}, decimalSources: []string{"fee"}},
		{column: "transferred_at", kind: fieldTime, sources: []string{"transferred_at", "transfer_date", "date"}},
	},
	core.EntityCharge: {
		{column: "customer_id", kind: fieldText, sources: []string{"customer_id", "customer"}},
		{column: "invoice_id", kind: fieldText, sources: []string{"invoice_id", "invoice"}},
		{column: "status", kind: fieldText, sources: []string{"status"}},
		{column: "amount_cents", kind: fieldMoney, minorSources: []string{"amount_cents"}, decimalSources: []string{"amount"}},
		{column: "payment_method", kind: fieldText, sources: []string{"payment_method", "payment_method_type"}},
		{column: "paid_at", kind: fieldTime, sources: []string{"paid_at", "payment_date"}},
	},
	core.EntityChargeback: {
		{column: "charge_id", kind: fieldText, sources: []string{"charge_id", "charge"}},
		{column: "status", kind: fieldText, sources: []string{"status"}},
		{column: "amount_cents", kind: fieldMoney, minorSources: []string{"amount_cents"}, decimalSources: []string{"amount"}},
		{column: "disputed_at", kind: fieldTime, sources: []string{"disputed_at", "dispute_date"}},
	},
	core.EntityPaymentMethod: {
		{column: "customer_id", kind: fieldText, sources: []string{"customer_id", "customer"}},
		{column: "kind", kind: fieldText, sources: []string{"kind", "type"}},
		{column: "brand", kind: fieldText, sources: []string{"brand", "card_brand"}},
		{column: "last4", kind: fieldText, sources: []string{"last4", "last_four", "last_digits"}},
		{column: "expires_at", kind: fieldTime, sources: []string{"expires_at", "expiration_date"}},
	},
}

// Engine normalizes routed records into upsert inputs. It never invents
// values: a source that is absent or fails to parse leaves the column
// untouched so the stored value survives.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Build produces the upsert inputs for one routed unit. The first input is
// the unit's own entity; invoices additionally yield one input per nested
// line item, with the parent invoice id injected.
func (e *Engine) Build(unit RoutedUnit) ([]core.UpsertEntityInput, error) {
	specs, ok := entityFieldSpecs[unit.Entity]
	if !ok {
		return nil, fmt.Errorf("ingest: no field mapping for entity %q", unit.Entity)
	}
	if unit.ExternalID == "" {
		return nil, fmt.Errorf("ingest: external id is required")
	}

	primary := core.UpsertEntityInput{
		Entity:            unit.Entity,
		ExternalID:        unit.ExternalID,
		Fields:            normalizeFields(specs, unit.Record),
		Payload:           unit.Record,
		UpstreamUpdatedAt: recordUpdatedAt(unit.Record),
	}
	if createdAt := recordCreatedAt(unit.Record); createdAt != nil {
		primary.Fields["upstream_created_at"] = createdAt.UTC()
	}

	inputs := []core.UpsertEntityInput{primary}
	if unit.Entity == core.EntityInvoice {
		items, err := e.buildInvoiceItems(unit)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, items...)
	}
	return inputs, nil
}

func (e *Engine) buildInvoiceItems(unit RoutedUnit) ([]core.UpsertEntityInput, error) {
	raw, ok := unit.Record["items"]
	if !ok {
		raw = unit.Record["invoice_items"]
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, nil
	}

	specs := entityFieldSpecs[core.EntityInvoiceItem]
	inputs := make([]core.UpsertEntityInput, 0, len(list))
	for index, element := range list {
		record, ok := element.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ingest: invoice %s item %d is not an object", unit.ExternalID, index)
		}
		externalID := recordID(record)
		if externalID == "" {
			return nil, fmt.Errorf("ingest: invoice %s item %d carries no id", unit.ExternalID, index)
		}
		fields := normalizeFields(specs, record)
		fields["invoice_id"] = unit.ExternalID
		inputs = append(inputs, core.UpsertEntityInput{
			Entity:            core.EntityInvoiceItem,
			ExternalID:        externalID,
			Fields:            fields,
			Payload:           record,
			UpstreamUpdatedAt: recordUpdatedAt(record),
		})
	}
	return inputs, nil
}

func normalizeFields(specs []fieldSpec, record map[string]any) map[string]any {
	fields := make(map[string]any, len(specs))
	for _, spec := range specs {
		switch spec.kind {
		case fieldText:
			for _, source := range spec.sources {
				if value, ok := core.StringField(record[source]); ok {
					fields[spec.column] = value
					break
				}
			}
		case fieldInt:
			for _, source := range spec.sources {
				if value, ok := core.MinorUnits(record[source]); ok {
					fields[spec.column] = value
					break
				}
			}
		case fieldMoney:
			if value, ok := moneyField(spec, record); ok {
				fields[spec.column] = value
			}
		case fieldTime:
			for _, source := range spec.sources {
				if value, ok := core.ParseUpstreamTime(record[source]); ok {
					fields[spec.column] = value.UTC()
					break
				}
			}
		}
	}
	return fields
}

func moneyField(spec fieldSpec, record map[string]any) (int64, bool) {
	for _, source := range spec.minorSources {
		if _, present := record[source]; !present {
			continue
		}
		if value, ok := core.MinorUnits(record[source]); ok {
			return value, true
		}
	}
	for _, source := range spec.decimalSources {
		if _, present := record[source]; !present {
			continue
		}
		if value, ok := core.DecimalToMinorUnits(record[source]); ok {
			return value, true
		}
	}
	return 0, false
}

func recordUpdatedAt(record map[string]any) *time.Time {
	for _, source := range []string{"updated_at", "updated", "modified_at"} {
		if value, ok := core.ParseUpstreamTime(record[source]); ok {
			utc := value.UTC()
			return &utc
		}
	}
	return nil
}

func recordCreatedAt(record map[string]any) *time.Time {
	for _, source := range []string{"created_at", "created"} {
		if value, ok := core.ParseUpstreamTime(record[source]); ok {
			utc := value.UTC()
			return &utc
		}
	}
	return nil
}

package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-billing-sync/core"
)

// entityTables maps tracked entity names to their target table and the
// business columns the upsert may touch. The whitelist is the only thing
// standing between normalized payload keys and generated SQL, so nothing
// outside it ever reaches a query.
var entityTables = map[string]entityTableSpec{
	core.EntityCustomer: {
		table:   "billing_customers",
		columns: []string{"email", "name", "description", "phone"},
	},
	core.EntityInvoice: {
		table:   "billing_invoices",
		columns: []string{"customer_id", "subscription_id", "status", "total_cents", "paid_cents", "due_at"},
	},
	core.EntityInvoiceItem: {
		table:   "billing_invoice_items",
		columns: []string{"invoice_id", "description", "quantity", "amount_cents"},
	},
	core.EntitySubscription: {
		table:   "billing_subscriptions",
		columns: []string{"customer_id", "plan_id", "status", "current_period_start", "current_period_end", "canceled_at"},
	},
	core.EntityPlan: {
		table:   "billing_plans",
		columns: []string{"name", "billing_interval", "amount_cents", "currency"},
	},
	core.EntityTransfer: {
		table:   "billing_transfers",
		columns: []string{"status", "amount_cents", "fee_cents", "transferred_at"},
	},
	core.EntityCharge: {
		table:   "billing_charges",
		columns: []string{"customer_id", "invoice_id", "status", "amount_cents", "payment_method", "paid_at"},
	},
	core.EntityChargeback: {
		table:   "billing_chargebacks",
		columns: []string{"charge_id", "status", "amount_cents", "disputed_at"},
	},
	core.EntityPaymentMethod: {
		table:   "billing_payment_methods",
		columns: []string{"customer_id", "kind", "brand", "last4", "expires_at"},
	},
}

type entityTableSpec struct {
	table   string
	columns []string
}

func (spec entityTableSpec) allows(column string) bool {
	if column == "upstream_created_at" {
		return true
	}
	for _, candidate := range spec.columns {
		if candidate == column {
			return true
		}
	}
	return false
}

// EntityStore merges normalized records into the per-entity tables. Absent
// fields keep stored values; a record older than the stored row (by
// upstream_updated_at) is dropped entirely.
type EntityStore struct {
	db *bun.DB

	Now func() time.Time
}

func NewEntityStore(db *bun.DB) (*EntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EntityStore{db: db, Now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *EntityStore) Upsert(ctx context.Context, in core.UpsertEntityInput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entity store is not configured")
	}
	spec, ok := entityTables[strings.TrimSpace(in.Entity)]
	if !ok {
		return fmt.Errorf("sqlstore: unknown entity %q", in.Entity)
	}
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return fmt.Errorf("sqlstore: external id is required")
	}

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("sqlstore: payload is not serializable: %w", err)
	}

	now := s.now()
	columns := []string{"external_id", "payload", "updated_at"}
	args := []any{externalID, string(payloadJSON), now}
	updatable := []string{"payload", "updated_at"}

	fieldNames := make([]string, 0, len(in.Fields))
	for name := range in.Fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		if !spec.allows(name) {
			return fmt.Errorf("sqlstore: field %q is not writable on %s", name, spec.table)
		}
		columns = append(columns, name)
		args = append(args, in.Fields[name])
		updatable = append(updatable, name)
	}

	if in.UpstreamUpdatedAt != nil {
		columns = append(columns, "upstream_updated_at")
		args = append(args, in.UpstreamUpdatedAt.UTC())
		updatable = append(updatable, "upstream_updated_at")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	assignments := make([]string, 0, len(updatable))
	for _, column := range updatable {
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES (%s)
ON CONFLICT (external_id) DO UPDATE SET %s
WHERE %s.upstream_updated_at IS NULL
   OR EXCLUDED.upstream_updated_at IS NULL
   OR EXCLUDED.upstream_updated_at >= %s.upstream_updated_at
`,
		spec.table,
		strings.Join(columns, ", "),
		placeholders,
		strings.Join(assignments, ", "),
		spec.table,
		spec.table,
	)

	_, err = s.db.NewRaw(query, args...).Exec(ctx)
	return err
}

// RecordUnmapped stores deliveries whose event name resolves to no tracked
// entity, so nothing silently disappears.
func (s *EntityStore) RecordUnmapped(ctx context.Context, eventName string, entityID string, payload map[string]any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: entity store is not configured")
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return fmt.Errorf("sqlstore: event name is required")
	}
	record := &unmappedEventRecord{
		ID:        uuid.NewString(),
		EventName: eventName,
		Payload:   copyAnyMap(payload),
		CreatedAt: s.now(),
	}
	if trimmed := strings.TrimSpace(entityID); trimmed != "" {
		record.EntityID = &trimmed
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	return err
}

func (s *EntityStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.EntityWriter = (*EntityStore)(nil)

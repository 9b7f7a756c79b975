package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-billing-sync/core"
)

// maxBodyBytes caps inbound payload reads. Billing deliveries are small;
// anything past this is hostile or broken.
const maxBodyBytes = 1 << 20

// envelope is the upstream delivery shape. Some event kinds carry the entity
// inside data, others arrive bare; the receiver stores the envelope as-is and
// leaves unwrapping to the router.
type envelope struct {
	EventName string         `json:"event_name"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type ReceiverConfig struct {
	Secret          string
	RequireSecret   bool
	SignatureHeader string
}

// Receiver validates inbound deliveries and persists them as pending events.
// Wake pulses are best-effort: the dispatcher also polls, so a dropped pulse
// costs latency, never events.
type Receiver struct {
	events   core.EventStore
	verifier Verifier
	cfg      ReceiverConfig
	logger   core.Logger
	metrics  core.MetricsRecorder
	enqueuer core.JobEnqueuer
	wake     chan struct{}

	Now func() time.Time
}

func NewReceiver(events core.EventStore, cfg ReceiverConfig, opts ...ReceiverOption) (*Receiver, error) {
	if events == nil {
		return nil, fmt.Errorf("webhooks: event store is required")
	}
	if cfg.RequireSecret && strings.TrimSpace(cfg.Secret) == "" {
		return nil, core.ErrMissingConfig("webhook.secret")
	}
	if strings.TrimSpace(cfg.SignatureHeader) == "" {
		cfg.SignatureHeader = "X-Billing-Signature"
	}

	receiver := &Receiver{
		events:  events,
		cfg:     cfg,
		metrics: core.NopMetricsRecorder{},
		wake:    make(chan struct{}, 1),
		Now:     func() time.Time { return time.Now().UTC() },
	}
	if strings.TrimSpace(cfg.Secret) != "" {
		receiver.verifier = HeaderHMACVerifier{
			Header: cfg.SignatureHeader,
			Secret: cfg.Secret,
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(receiver)
		}
	}
	_, receiver.logger = core.ResolveLogger("webhooks", nil, receiver.logger)
	return receiver, nil
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(logger core.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = logger }
}

func WithReceiverMetrics(metrics core.MetricsRecorder) ReceiverOption {
	return func(r *Receiver) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithReceiverVerifier(verifier Verifier) ReceiverOption {
	return func(r *Receiver) { r.verifier = verifier }
}

// WithReceiverEnqueuer announces accepted events on a durable queue in
// addition to the wake pulse. Announcements are best-effort: the dispatch
// worker still polls, so a failed enqueue costs latency, never events.
func WithReceiverEnqueuer(enqueuer core.JobEnqueuer) ReceiverOption {
	return func(r *Receiver) { r.enqueuer = enqueuer }
}

// Wake exposes the pulse channel the dispatch worker selects on.
func (r *Receiver) Wake() <-chan struct{} {
	if r == nil {
		return nil
	}
	return r.wake
}

// Accept validates, deduplicates, and persists one delivery. The bool result
// reports whether the delivery was a duplicate of an already stored event.
func (r *Receiver) Accept(ctx context.Context, headers map[string]string, body []byte) (core.WebhookEvent, bool, error) {
	if r == nil || r.events == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("webhooks: receiver is not configured")
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(ctx, headers, body); err != nil {
			r.metrics.IncCounter(ctx, "billing.webhook.rejected", 1, map[string]string{"reason": "signature"})
			return core.WebhookEvent{}, false, goerrors.Wrap(err, goerrors.CategoryAuth, "webhook signature verification failed").
				WithTextCode(core.BillingErrorUnauthorized)
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.metrics.IncCounter(ctx, "billing.webhook.rejected", 1, map[string]string{"reason": "malformed"})
		return core.WebhookEvent{}, false, goerrors.Wrap(err, goerrors.CategoryBadInput, "webhook payload is not valid JSON").
			WithTextCode(core.BillingErrorBadInput)
	}
	eventName := strings.TrimSpace(env.EventName)
	if eventName == "" {
		r.metrics.IncCounter(ctx, "billing.webhook.rejected", 1, map[string]string{"reason": "malformed"})
		return core.WebhookEvent{}, false, goerrors.New("webhook payload is missing event_name", goerrors.CategoryBadInput).
			WithTextCode(core.BillingErrorBadInput)
	}

	entityID := extractEntityID(env.Data)
	payload := map[string]any{
		"event_name": eventName,
		"timestamp":  env.Timestamp,
	}
	if env.Data != nil {
		payload["data"] = env.Data
	}

	event := core.WebhookEvent{
		EventName:  eventName,
		EntityID:   entityID,
		Payload:    payload,
		DedupeKey:  core.ComputeDedupeKey(eventName, entityID, env.Timestamp),
		ReceivedAt: r.now(),
	}

	stored, err := r.events.Insert(ctx, event)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateDelivery) {
			r.metrics.IncCounter(ctx, "billing.webhook.deduped", 1, map[string]string{"event": eventName})
			return core.WebhookEvent{}, true, nil
		}
		return core.WebhookEvent{}, false, goerrors.Wrap(err, goerrors.CategoryOperation, "persist webhook event").
			WithTextCode(core.BillingErrorStorageFailure)
	}

	r.metrics.IncCounter(ctx, "billing.webhook.accepted", 1, map[string]string{"event": eventName})
	r.pulse()
	r.announce(ctx, stored)
	return stored, false, nil
}

func (r *Receiver) announce(ctx context.Context, event core.WebhookEvent) {
	if r == nil || r.enqueuer == nil {
		return
	}
	_, err := r.enqueuer.Enqueue(ctx, &core.JobExecutionMessage{
		JobID: core.JobIngestDispatch,
		Parameters: map[string]any{
			"event_id":   event.ID,
			"event_name": event.EventName,
		},
		IdempotencyKey: event.DedupeKey,
	})
	if err != nil {
		core.LogError(ctx, r.logger, "dispatch announcement failed", map[string]any{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}
}

// ServeHTTP is the intake endpoint: 200 accepted-or-duplicate, 400 malformed,
// 401 signature failure, 500 storage failure.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	headers := make(map[string]string, len(req.Header))
	for name := range req.Header {
		headers[name] = req.Header.Get(name)
	}

	event, deduped, err := r.Accept(req.Context(), headers, body)
	if err != nil {
		mapped := core.DefaultErrorMapper(err)
		status := mapped.Code
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			core.LogError(req.Context(), r.logger, "webhook intake failed", map[string]any{"error": err.Error()})
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "code": mapped.TextCode})
		return
	}

	if deduped {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "id": event.ID})
}

func (r *Receiver) pulse() {
	if r == nil || r.wake == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Receiver) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func extractEntityID(data map[string]any) string {
	if data == nil {
		return ""
	}
	candidate := data["id"]
	if nested, ok := data["data"].(map[string]any); ok && candidate == nil {
		candidate = nested["id"]
	}
	switch typed := candidate.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", typed))
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var _ http.Handler = (*Receiver)(nil)

package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sofia-ms/wa-gateway/internal/metrics"
)

// Kind is the lifecycle stage reported by a status event.
type Kind string

const (
	KindSent      Kind = "sent"
	KindDelivered Kind = "delivered"
	KindRead      Kind = "read"
	KindError     Kind = "error"
)

// Event is one status update for a provider message id. Events may arrive
// late, duplicated, or out of order; Ingest sorts that out.
type Event struct {
	MessageID string
	Kind      Kind
	At        time.Time
	Reason    string // only for KindError
}

// StatusStore is the slice of core.Store the tracker writes through.
type StatusStore interface {
	MarkSentAck(ctx context.Context, id string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkMessageError(ctx context.Context, id, reason string) error
}

type Tracker struct {
	Store StatusStore
}

func New(store StatusStore) *Tracker { return &Tracker{Store: store} }

// Ingest applies one event to the stored message. The store updates are
// idempotent and write-once, so replays and stale events are no-ops.
// A failed ingest leaves the stored state untouched.
func (t *Tracker) Ingest(ctx context.Context, transport string, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var err error
	switch ev.Kind {
	case KindSent:
		err = t.Store.MarkSentAck(ctx, ev.MessageID, at)
	case KindDelivered:
		err = t.Store.MarkDelivered(ctx, ev.MessageID, at)
	case KindRead:
		err = t.Store.MarkRead(ctx, ev.MessageID, at)
	case KindError:
		err = t.Store.MarkMessageError(ctx, ev.MessageID, ev.Reason)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		metrics.IngestTotal.WithLabelValues(transport, "error").Inc()
		metrics.IngestErrors.Inc()
		log.Printf("tracker: ingest %s %s via %s: %v", ev.Kind, ev.MessageID, transport, err)
		return err
	}
	metrics.IngestTotal.WithLabelValues(transport, "ok").Inc()
	return nil
}

// webhookPayload is the messages.update shape posted by the provider.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		KeyID  string `json:"keyId"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// ParseWebhook decodes a provider webhook body into an Event. It returns
// ok=false for event types the tracker does not care about.
func ParseWebhook(body []byte) (Event, bool, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, false, fmt.Errorf("decode webhook: %w", err)
	}
	if p.Event != "messages.update" {
		return Event{}, false, nil
	}
	if p.Data.KeyID == "" {
		return Event{}, false, fmt.Errorf("messages.update without keyId")
	}

	kind, ok := normalizeStatus(p.Data.Status)
	if !ok {
		return Event{}, false, fmt.Errorf("unknown status %q", p.Data.Status)
	}
	ev := Event{MessageID: p.Data.KeyID, Kind: kind, At: time.Now().UTC()}
	if kind == KindError {
		ev.Reason = p.Data.Reason
		if ev.Reason == "" {
			ev.Reason = "provider reported error"
		}
	}
	return ev, true, nil
}

// normalizeStatus maps the provider's status vocabulary onto ours. The
// provider mixes lowercase words and uppercase ack names.
func normalizeStatus(s string) (Kind, bool) {
	switch strings.ToUpper(s) {
	case "SENT", "SERVER_ACK", "PENDING":
		return KindSent, true
	case "DELIVERED", "DELIVERY_ACK":
		return KindDelivered, true
	case "READ", "PLAYED":
		return KindRead, true
	case "ERROR", "FAILED":
		return KindError, true
	}
	return "", false
}

package tracker

import (
	"context"
	"log"
	"time"

	"github.com/sofia-ms/wa-gateway/internal/core"
	"github.com/sofia-ms/wa-gateway/internal/metrics"
)

// StatusSource answers the current lifecycle stage of a provider message.
// Not every provider offers one; the poller is optional.
type StatusSource interface {
	MessageStatus(ctx context.Context, id string) (Kind, error)
}

// MessageLister is the slice of core.Store the poller reads from.
type MessageLister interface {
	ListMessages(ctx context.Context) ([]core.Message, error)
}

// Poller sweeps non-terminal messages and funnels any status change through
// the same Ingest path the webhook uses, so both transports share one
// set of update semantics.
type Poller struct {
	Tracker  *Tracker
	Store    MessageLister
	Source   StatusSource
	Interval time.Duration
}

func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	log.Printf("tracker poller: started, interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("tracker poller: stopping")
			return
		case <-t.C:
			if err := p.sweep(ctx); err != nil {
				metrics.PollTotal.WithLabelValues("error").Inc()
				log.Printf("tracker poller: sweep: %v", err)
				continue
			}
			metrics.PollTotal.WithLabelValues("ok").Inc()
		}
	}
}

func (p *Poller) sweep(ctx context.Context) error {
	msgs, err := p.Store.ListMessages(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Status == core.MessageRead || m.Status == core.MessageError {
			continue
		}
		kind, err := p.Source.MessageStatus(ctx, m.ID)
		if err != nil {
			log.Printf("tracker poller: status %s: %v", m.ID, err)
			continue
		}
		// Ingest discards anything that would move the message backwards.
		_ = p.Tracker.Ingest(ctx, "poll", Event{MessageID: m.ID, Kind: kind, At: time.Now().UTC()})
	}
	return nil
}

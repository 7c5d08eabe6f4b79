package campaign

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sofia-ms/wa-gateway/internal/metrics"
	"github.com/sofia-ms/wa-gateway/internal/phone"
	"github.com/sofia-ms/wa-gateway/internal/provider"
)

// Store is the slice of core.Store the runner needs.
type Store interface {
	StartCampaign(ctx context.Context, id string, recipients int) error
	FinishCampaign(ctx context.Context, id string, succeeded, failed int) error
	RegisterMessage(ctx context.Context, id, remoteJid, body string, campaignID *string) (bool, error)
	SetReachability(ctx context.Context, phone string, reachable bool) error
	CampaignMessageCounts(ctx context.Context, campaignID string) (delivered, read, errored int, err error)
	ReconcileCampaign(ctx context.Context, id string, delivered, read int) error
}

// RecipientError attributes one failed send to its destination.
type RecipientError struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// Result is the per-recipient tally of one campaign run.
type Result struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    []RecipientError `json:"errors"`
}

// Progress is a snapshot of a running campaign.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type counters struct {
	current atomic.Int64
	total   int64
}

// Runner drives campaign sends one recipient at a time. One failed
// recipient never stops the run; the failure lands in the tally instead.
type Runner struct {
	Store   Store
	Gateway provider.Gateway

	// SettleDelay is how long to wait after the last send before the
	// aggregate reconcile, giving late status callbacks a chance to land.
	SettleDelay time.Duration
	// Reachability prechecks batch at CheckBatchSize with CheckPause
	// between batches, matching provider rate expectations.
	CheckBatchSize int
	CheckPause     time.Duration

	mu   sync.Mutex
	runs map[string]*counters
}

func NewRunner(store Store, gw provider.Gateway) *Runner {
	return &Runner{
		Store:          store,
		Gateway:        gw,
		SettleDelay:    3 * time.Second,
		CheckBatchSize: 50,
		CheckPause:     time.Second,
		runs:           map[string]*counters{},
	}
}

// Progress reports the live position of a campaign run. ok=false when no
// run with that id is active or recently finished.
func (r *Runner) Progress(campaignID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.runs[campaignID]
	if !ok {
		return Progress{}, false
	}
	return Progress{Current: int(c.current.Load()), Total: int(c.total)}, true
}

// Run sends template to every contact, one at a time, and returns the
// tally. Invalid and unreachable contacts count as failed without a send
// attempt. Cancelling ctx stops between recipients; the tally up to that
// point is still persisted.
func (r *Runner) Run(ctx context.Context, campaignID, template string, contacts []phone.Contact) (Result, error) {
	res := Result{}

	if err := r.Store.StartCampaign(ctx, campaignID, len(contacts)); err != nil {
		return res, err
	}

	c := &counters{total: int64(len(contacts))}
	r.mu.Lock()
	r.runs[campaignID] = c
	r.mu.Unlock()

	reachable := r.precheck(ctx, contacts)

	for i, contact := range contacts {
		select {
		case <-ctx.Done():
			log.Printf("campaign %s: cancelled at %d/%d", campaignID, i, len(contacts))
			return r.finish(ctx, campaignID, res)
		default:
		}

		c.current.Add(1)

		if !contact.Valid {
			res.fail(contact.Phone, "invalid number")
			continue
		}
		number := phone.Canonical(contact.Phone)
		if known, ok := reachable[number]; ok && !known {
			res.fail(contact.Phone, "not reachable on whatsapp")
			continue
		}

		providerID, err := r.Gateway.SendText(ctx, number, template)
		if err != nil {
			res.fail(contact.Phone, err.Error())
			log.Printf("campaign %s: send to %s: %v", campaignID, number, err)
			continue
		}
		if _, err := r.Store.RegisterMessage(ctx, providerID, number, template, &campaignID); err != nil {
			log.Printf("campaign %s: register %s: %v", campaignID, providerID, err)
		}
		res.Succeeded++
		metrics.CampaignRecipients.WithLabelValues("succeeded").Inc()
	}

	return r.finish(ctx, campaignID, res)
}

func (res *Result) fail(recipient, reason string) {
	res.Failed++
	res.Errors = append(res.Errors, RecipientError{Recipient: recipient, Reason: reason})
	metrics.CampaignRecipients.WithLabelValues("failed").Inc()
}

// precheck asks the gateway which destinations exist on the network, in
// batches. Gateways without a reachability endpoint skip the precheck,
// as do batches that error: an unknown number is still worth a send.
func (r *Runner) precheck(ctx context.Context, contacts []phone.Contact) map[string]bool {
	out := map[string]bool{}

	var numbers []string
	for _, c := range contacts {
		if c.Valid {
			numbers = append(numbers, phone.Canonical(c.Phone))
		}
	}

	for start := 0; start < len(numbers); start += r.CheckBatchSize {
		end := start + r.CheckBatchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		batch := numbers[start:end]

		results, err := r.Gateway.CheckReachability(ctx, batch)
		if err != nil {
			if err == provider.ErrUnsupported || ctx.Err() != nil {
				return out
			}
			log.Printf("campaign precheck: batch %d-%d: %v", start, end, err)
			continue
		}
		for _, rr := range results {
			out[rr.Number] = rr.Reachable
			if err := r.Store.SetReachability(ctx, rr.Number, rr.Reachable); err != nil {
				log.Printf("campaign precheck: save %s: %v", rr.Number, err)
			}
		}

		if end < len(numbers) {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(r.CheckPause):
			}
		}
	}
	return out
}

// finish persists the tally, waits out the settle delay, then folds the
// delivery counts observed so far back onto the campaign row. The tally is
// written even when the run was cancelled, so the parent cancellation is
// stripped here.
func (r *Runner) finish(ctx context.Context, campaignID string, res Result) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		// progress queries fall back to the stored counters from here on
		r.mu.Lock()
		delete(r.runs, campaignID)
		r.mu.Unlock()
	}()

	if err := r.Store.FinishCampaign(ctx, campaignID, res.Succeeded, res.Failed); err != nil {
		return res, err
	}

	// ctx no longer carries the parent cancellation, so a plain sleep
	if r.SettleDelay > 0 {
		time.Sleep(r.SettleDelay)
	}

	delivered, read, _, err := r.Store.CampaignMessageCounts(ctx, campaignID)
	if err != nil {
		log.Printf("campaign %s: counts: %v", campaignID, err)
		return res, nil
	}
	if err := r.Store.ReconcileCampaign(ctx, campaignID, delivered, read); err != nil {
		log.Printf("campaign %s: reconcile: %v", campaignID, err)
	}
	return res, nil
}

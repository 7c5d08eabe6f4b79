package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sofia-ms/wa-gateway/internal/core"
	"github.com/sofia-ms/wa-gateway/internal/metrics"
	"github.com/sofia-ms/wa-gateway/internal/provider"
)

// JobStore is the slice of core.Store the scheduler drives.
type JobStore interface {
	ClaimDueJobs(ctx context.Context, limit int) ([]string, error)
	LoadJob(ctx context.Context, id string) (*core.Job, error)
	MarkJobSent(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, runAt time.Time, lastErr string) (cancelled bool, err error)
	AbandonJob(ctx context.Context, id, reason string) error
	CreateJob(ctx context.Context, spec core.JobSpec) (*core.Job, error)
	RegisterMessage(ctx context.Context, id, remoteJid, body string, campaignID *string) (bool, error)
}

type Options struct {
	BatchSize     int           // how many to claim per tick
	Concurrency   int           // number of dispatcher goroutines
	TickInterval  time.Duration // cadence between claim sweeps while work flows
	IdleSleep     time.Duration // sleep when nothing is due
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ProviderQPS   float64       // sustained provider rate
	ProviderBurst int
	SendTimeout   time.Duration // per-send timeout

	// Retry policy for transient failures: base doubles per attempt, capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 200 * time.Millisecond
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = time.Minute
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 250 * time.Millisecond
	}
	if o.DBBackoffMax <= 0 {
		o.DBBackoffMax = 5 * time.Second
	}
	if o.ProviderQPS <= 0 {
		o.ProviderQPS = 10
	}
	if o.ProviderBurst <= 0 {
		o.ProviderBurst = 5
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Minute
	}
}

// Run claims due jobs and dispatches them through a fixed-size pool until
// ctx is cancelled. Claiming already moved the job to dispatching, so a
// crash between claim and outcome leaves it visible as stuck rather than
// silently re-sent.
func Run(ctx context.Context, store JobStore, gw provider.Gateway, opt Options) error {
	opt.fill()

	// Rate limiter for the provider (global for this process).
	limiter := rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst)

	jobs := make(chan string, opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-jobs:
					if !ok {
						return
					}
					dispatchOne(ctx, store, gw, limiter, id, opt)
				}
			}
		}()
	}

	dbBackoff := opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		default:
		}

		ids, err := store.ClaimDueJobs(ctx, opt.BatchSize)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			sleep := jitter(dbBackoff, 0.20)
			log.Printf("scheduler: claim error: %v; backing off %s", err, sleep)
			time.Sleep(sleep)
			dbBackoff = minDur(opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = opt.DBBackoffMin // reset on success
		metrics.ClaimBatchSize.Observe(float64(len(ids)))

		if len(ids) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			time.Sleep(opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()

		for _, id := range ids {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return ctx.Err()
			case jobs <- id:
			}
		}

		// short cadence while there is flow
		time.Sleep(opt.TickInterval)
	}
}

// RunTick executes one claim-and-dispatch sweep inline. The API process
// uses it for on-demand flushes; Run is the long-lived variant.
func RunTick(ctx context.Context, store JobStore, gw provider.Gateway, opt Options) (int, error) {
	opt.fill()
	limiter := rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst)

	ids, err := store.ClaimDueJobs(ctx, opt.BatchSize)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.ClaimBatchSize.Observe(float64(len(ids)))
	if len(ids) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	for _, id := range ids {
		dispatchOne(ctx, store, gw, limiter, id, opt)
	}
	return len(ids), nil
}

func dispatchOne(ctx context.Context, store JobStore, gw provider.Gateway, limiter *rate.Limiter, id string, opt Options) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	job, err := store.LoadJob(ctx, id)
	if err != nil {
		// the claim already moved the job to dispatching; nothing revisits
		// that state, so put it back in line for the next tick. Load can
		// fail because ctx is gone, so recover on an uncancelled one.
		log.Printf("scheduler: load %s: %v", id, err)
		rctx := context.WithoutCancel(ctx)
		if _, rerr := store.RescheduleJob(rctx, id, time.Now().UTC(), "load after claim: "+err.Error()); rerr != nil {
			log.Printf("scheduler: reschedule %s after load error: %v", id, rerr)
		}
		return
	}

	if err := limiter.Wait(ctx); err != nil {
		// shutdown mid-dispatch; the claim already bumped attempts, put
		// the job back so the next run picks it up
		rctx := context.WithoutCancel(ctx)
		if _, rerr := store.RescheduleJob(rctx, id, time.Now().UTC(), "shutdown during dispatch"); rerr != nil {
			log.Printf("scheduler: reschedule %s after shutdown: %v", id, rerr)
		}
		return
	}

	cctx, cancel := context.WithTimeout(ctx, opt.SendTimeout)
	defer cancel()

	start := time.Now()
	var providerID string
	if job.MediaURL != nil && *job.MediaURL != "" {
		providerID, err = gw.SendMedia(cctx, job.Recipient, *job.MediaURL, job.Template)
	} else {
		providerID, err = gw.SendText(cctx, job.Recipient, job.Template)
	}
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		routeFailure(ctx, store, job, err, opt)
		return
	}

	metrics.DispatchTotal.WithLabelValues("sent").Inc()
	if err := store.MarkJobSent(ctx, id); err != nil {
		log.Printf("scheduler: mark sent %s: %v", id, err)
	}
	if _, err := store.RegisterMessage(ctx, providerID, job.Recipient, job.Template, job.CampaignID); err != nil {
		log.Printf("scheduler: register message %s for %s: %v", providerID, id, err)
	}
	scheduleFollowUp(ctx, store, job)
}

// routeFailure maps the provider error class onto the job state machine.
// Auth and rejected failures never retry; transient ones back off until
// the attempt budget runs out.
func routeFailure(ctx context.Context, store JobStore, job *core.Job, sendErr error, opt Options) {
	kind := provider.Kind(sendErr)
	metrics.DispatchTotal.WithLabelValues(kind.String()).Inc()

	switch kind {
	case provider.KindTransient:
		if job.Attempts >= job.MaxAttempts {
			metrics.AbandonTotal.Inc()
			reason := fmt.Sprintf("gave up after %d attempts: %v", job.Attempts, sendErr)
			if err := store.AbandonJob(ctx, job.ID, reason); err != nil {
				log.Printf("scheduler: abandon %s: %v", job.ID, err)
			}
			return
		}
		delay := backoff(opt, job.Attempts)
		cancelled, err := store.RescheduleJob(ctx, job.ID, time.Now().UTC().Add(delay), sendErr.Error())
		if err != nil {
			log.Printf("scheduler: reschedule %s: %v", job.ID, err)
			return
		}
		if cancelled {
			log.Printf("scheduler: %s cancelled during dispatch, retry dropped", job.ID)
			return
		}
		metrics.RetryTotal.Inc()
		log.Printf("scheduler: %s attempt %d/%d failed (%v), retry in %s",
			job.ID, job.Attempts, job.MaxAttempts, sendErr, delay)
	default:
		// auth or business rejection
		metrics.AbandonTotal.Inc()
		if err := store.AbandonJob(ctx, job.ID, fmt.Sprintf("%s: %v", kind, sendErr)); err != nil {
			log.Printf("scheduler: abandon %s: %v", job.ID, err)
		}
	}
}

// scheduleFollowUp spawns the next deferred contact for jobs that carry a
// follow-up policy. The new job inherits the policy with the counter
// advanced so the chain terminates at MaxFollowUps.
func scheduleFollowUp(ctx context.Context, store JobStore, job *core.Job) {
	if job.FollowUpTemplate == nil || *job.FollowUpTemplate == "" {
		return
	}
	if job.FollowUpsSent >= job.MaxFollowUps {
		return
	}
	delay := job.FollowUpDelay
	if delay <= 0 {
		delay = 24 * time.Hour
	}
	spec := core.JobSpec{
		Instance:         job.Instance,
		Recipient:        job.Recipient,
		Template:         *job.FollowUpTemplate,
		CampaignID:       job.CampaignID,
		RunAt:            time.Now().UTC().Add(delay),
		MaxAttempts:      job.MaxAttempts,
		FollowUpTemplate: job.FollowUpTemplate,
		FollowUpDelay:    job.FollowUpDelay,
		MaxFollowUps:     job.MaxFollowUps,
		FollowUpsSent:    job.FollowUpsSent + 1,
	}
	if _, err := store.CreateJob(ctx, spec); err != nil {
		log.Printf("scheduler: follow-up for %s: %v", job.ID, err)
	}
}

func backoff(opt Options, attempt int) time.Duration {
	d := opt.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= opt.BackoffCap {
			return jitter(opt.BackoffCap, 0.10)
		}
	}
	return jitter(minDur(d, opt.BackoffCap), 0.10)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

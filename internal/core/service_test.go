package core_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sofia-ms/wa-gateway/internal/core"
	database "github.com/sofia-ms/wa-gateway/internal/db"
)

func newStore(t *testing.T) *core.Store {
	pool := database.StartTestPostgres(t)
	return &core.Store{DB: pool}
}

func register(t *testing.T, s *core.Store, id string) {
	t.Helper()
	_, err := s.RegisterMessage(context.Background(), id, "5511987654321", "oi", nil)
	require.NoError(t, err)
}

func TestRegisterMessageIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	already, err := s.RegisterMessage(ctx, "m1", "5511987654321", "oi", nil)
	require.NoError(t, err)
	require.False(t, already)

	already, err = s.RegisterMessage(ctx, "m1", "5511987654321", "oi", nil)
	require.NoError(t, err)
	require.True(t, already)

	msg, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, core.MessageSent, msg.Status)
	require.NotNil(t, msg.SentAt)
}

func TestStatusOnlyAdvances(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, "m1")

	now := time.Now().UTC()
	require.NoError(t, s.MarkRead(ctx, "m1", now))

	msg, _ := s.GetMessage(ctx, "m1")
	require.Equal(t, core.MessageRead, msg.Status)
	// read implies delivered even when the delivered event never arrived
	require.NotNil(t, msg.DeliveredAt)
	firstDelivered := *msg.DeliveredAt

	// late delivered event: no regression, timestamps stay write-once
	require.NoError(t, s.MarkDelivered(ctx, "m1", now.Add(time.Hour)))
	msg, _ = s.GetMessage(ctx, "m1")
	require.Equal(t, core.MessageRead, msg.Status)
	require.Equal(t, firstDelivered.Unix(), msg.DeliveredAt.Unix())

	// replayed read is a no-op
	require.NoError(t, s.MarkRead(ctx, "m1", now.Add(2*time.Hour)))
	msg, _ = s.GetMessage(ctx, "m1")
	require.Equal(t, now.Unix(), msg.ReadAt.Unix())
}

func TestErrorIsTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, "m1")

	require.NoError(t, s.MarkMessageError(ctx, "m1", "recipient blocked"))
	require.NoError(t, s.MarkDelivered(ctx, "m1", time.Now().UTC()))

	msg, _ := s.GetMessage(ctx, "m1")
	require.Equal(t, core.MessageError, msg.Status)
	require.Equal(t, "recipient blocked", *msg.ErrorReason)
}

func TestCampaignMessageCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	camp, err := s.CreateCampaign(ctx, "promo", "oferta")
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := s.RegisterMessage(ctx, id, "5511987654321", "oferta", &camp.ID)
		require.NoError(t, err)
	}
	now := time.Now().UTC()
	require.NoError(t, s.MarkDelivered(ctx, "m1", now))
	require.NoError(t, s.MarkRead(ctx, "m2", now))
	require.NoError(t, s.MarkMessageError(ctx, "m3", "boom"))

	delivered, read, errored, err := s.CampaignMessageCounts(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, 2, delivered) // read counts as delivered
	require.Equal(t, 1, read)
	require.Equal(t, 1, errored)

	require.NoError(t, s.StartCampaign(ctx, camp.ID, 3))
	require.NoError(t, s.FinishCampaign(ctx, camp.ID, 2, 1))
	require.NoError(t, s.ReconcileCampaign(ctx, camp.ID, delivered, read))

	got, err := s.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignDone, got.Status)
	require.Equal(t, 3, got.Recipients)
	require.Equal(t, 2, got.Succeeded)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, 2, got.Delivered)
	require.Equal(t, 1, got.Read)
}

func TestJobLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, core.JobSpec{
		Recipient: "5511987654321",
		Template:  "oi",
		RunAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, core.JobScheduled, job.Status)
	require.Equal(t, 3, job.MaxAttempts)

	ids, err := s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, ids)

	got, _ := s.LoadJob(ctx, job.ID)
	require.Equal(t, core.JobDispatching, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastAttemptAt)

	// claimed jobs are invisible to the next sweep
	ids, err = s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	// transient failure goes back in line
	cancelled, err := s.RescheduleJob(ctx, job.ID, time.Now().UTC().Add(-time.Second), "timeout")
	require.NoError(t, err)
	require.False(t, cancelled)

	got, _ = s.LoadJob(ctx, job.ID)
	require.Equal(t, core.JobScheduled, got.Status)
	require.Equal(t, "timeout", *got.LastError)

	ids, err = s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, s.MarkJobSent(ctx, job.ID))

	got, _ = s.LoadJob(ctx, job.ID)
	require.Equal(t, core.JobSent, got.Status)
	require.Nil(t, got.LastError)
}

func TestFutureJobNotDue(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, core.JobSpec{
		Recipient: "5511987654321",
		Template:  "oi",
		RunAt:     time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	ids, err := s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCancelScheduledJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, core.JobSpec{
		Recipient: "5511987654321",
		Template:  "oi",
		RunAt:     time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	status, err := s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobCancelled, status)

	ids, err := s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCancelWhileDispatchingSuppressesRetry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, core.JobSpec{
		Recipient: "5511987654321",
		Template:  "oi",
		RunAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	ids, err := s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// cancel lands while the send is in flight
	status, err := s.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobDispatching, status)

	// the reschedule after the failed send observes the cancel
	cancelled, err := s.RescheduleJob(ctx, job.ID, time.Now().UTC(), "timeout")
	require.NoError(t, err)
	require.True(t, cancelled)

	got, _ := s.LoadJob(ctx, job.ID)
	require.Equal(t, core.JobCancelled, got.Status)
}

func TestAbandonJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, core.JobSpec{
		Recipient: "5511987654321",
		Template:  "oi",
		RunAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = s.ClaimDueJobs(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, s.AbandonJob(ctx, job.ID, "auth: bad api key"))

	got, _ := s.LoadJob(ctx, job.ID)
	require.Equal(t, core.JobAbandoned, got.Status)
	require.Equal(t, "auth: bad api key", *got.LastError)
}

func TestConcurrentClaim_SkipLocked_NoDuplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := s.CreateJob(ctx, core.JobSpec{
			Recipient: "5511987654321",
			Template:  "x",
			RunAt:     time.Now().UTC().Add(-time.Minute),
		})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var claimed int64

	// Hard stop so the test cannot hang
	deadline, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	workers := 8
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if atomic.LoadInt64(&claimed) >= int64(total) {
					return
				}
				select {
				case <-deadline.Done():
					return
				default:
				}

				ids, err := s.ClaimDueJobs(ctx, 10)
				require.NoError(t, err)
				if len(ids) == 0 {
					// other workers may be mid-commit; retry briefly
					time.Sleep(5 * time.Millisecond)
					continue
				}

				mu.Lock()
				for _, id := range ids {
					if seen[id] {
						mu.Unlock()
						t.Errorf("duplicate claim: %s", id)
						return
					}
					seen[id] = true
				}
				mu.Unlock()
				atomic.AddInt64(&claimed, int64(len(ids)))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(total), atomic.LoadInt64(&claimed),
		"did not claim all jobs before timeout")
	require.Len(t, seen, total)
}

func TestContactsUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	name := "Maria"
	require.NoError(t, s.SaveContact(ctx, core.Contact{Phone: "5511987654321", Name: &name, Valid: true}))
	// second save without a name keeps the stored one
	require.NoError(t, s.SaveContact(ctx, core.Contact{Phone: "5511987654321", Valid: true}))
	require.NoError(t, s.SetReachability(ctx, "5511987654321", true))

	items, err := s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Maria", *items[0].Name)
	require.True(t, items[0].Valid)
	require.NotNil(t, items[0].Reachable)
	require.True(t, *items[0].Reachable)
	require.NotNil(t, items[0].CheckedAt)
}

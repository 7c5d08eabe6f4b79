package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

// ---- Messages ----

// RegisterMessage records a provider-assigned message id for delivery
// tracking. Registration happens right after a successful send, so the row
// starts at 'sent'. Re-registering the same id is a no-op apart from
// upgrading a stale 'pending' row.
func (s *Store) RegisterMessage(ctx context.Context, id, remoteJid, body string, campaignID *string) (already bool, err error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing MessageStatus
	err = tx.QueryRow(ctx, `SELECT status FROM messages WHERE id=$1`, id).Scan(&existing)
	if err == nil {
		if existing == MessagePending {
			_, err = tx.Exec(ctx, `UPDATE messages SET status='sent', sent_at=now() WHERE id=$1`, id)
			if err != nil {
				return false, err
			}
		}
		return true, tx.Commit(ctx)
	}
	if err != pgx.ErrNoRows {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages(id, remote_jid, body, campaign_id, status, sent_at)
		VALUES($1,$2,$3,$4,'sent',now())
	`, id, remoteJid, body, campaignID)
	if err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}

const messageCols = `id, remote_jid, body, campaign_id, status, created_at, sent_at, delivered_at, read_at, error_reason`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.RemoteJid, &m.Body, &m.CampaignID, &m.Status,
		&m.Timestamp, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.ErrorReason); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return scanMessage(s.DB.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id=$1`, id))
}

func (s *Store) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+messageCols+` FROM messages ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkSentAck acknowledges the 'sent' stage. Write-once on sent_at; never
// regresses a later stage and never touches a terminal error row.
func (s *Store) MarkSentAck(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET
			sent_at = COALESCE(sent_at, $2),
			status = CASE
				WHEN read_at IS NOT NULL THEN 'read'
				WHEN delivered_at IS NOT NULL THEN 'delivered'
				ELSE 'sent'
			END
		WHERE id=$1 AND status <> 'error'
	`, id, at)
	return err
}

// MarkDelivered records the delivery ack. Idempotent and order-insensitive:
// a stale delivered event after read leaves status at read.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET
			delivered_at = COALESCE(delivered_at, $2),
			status = CASE WHEN read_at IS NOT NULL THEN 'read' ELSE 'delivered' END
		WHERE id=$1 AND status <> 'error'
	`, id, at)
	return err
}

// MarkRead records the read ack. A read with no prior delivery ack
// back-fills delivered_at from the same event.
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET
			read_at = COALESCE(read_at, $2),
			delivered_at = COALESCE(delivered_at, $2),
			status = 'read'
		WHERE id=$1 AND status <> 'error'
	`, id, at)
	return err
}

// MarkMessageError moves a message to the terminal error state.
func (s *Store) MarkMessageError(ctx context.Context, id, reason string) error {
	_, err := s.DB.Exec(ctx, `UPDATE messages SET status='error', error_reason=$2 WHERE id=$1`, id, reason)
	return err
}

// CampaignMessageCounts tallies final delivery stages for one campaign.
func (s *Store) CampaignMessageCounts(ctx context.Context, campaignID string) (delivered, read, errored int, err error) {
	err = s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
			COUNT(*) FILTER (WHERE read_at IS NOT NULL),
			COUNT(*) FILTER (WHERE status='error')
		FROM messages WHERE campaign_id=$1
	`, campaignID).Scan(&delivered, &read, &errored)
	return
}

// ---- Scheduled jobs ----

type JobSpec struct {
	Instance         string
	Recipient        string
	Template         string
	MediaURL         *string
	CampaignID       *string
	RunAt            time.Time
	MaxAttempts      int
	FollowUpTemplate *string
	FollowUpDelay    time.Duration
	MaxFollowUps     int
	FollowUpsSent    int
}

func (s *Store) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.Recipient == "" || spec.Template == "" {
		return nil, fmt.Errorf("job needs recipient and template")
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	id := "job_" + uuid.NewString()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_jobs(
			id, instance, recipient, template, media_url, campaign_id, run_at,
			status, max_attempts, followup_template, followup_delay_ms, max_followups, followups_sent)
		VALUES($1,$2,$3,$4,$5,$6,$7,'scheduled',$8,$9,$10,$11,$12)
	`, id, spec.Instance, spec.Recipient, spec.Template, spec.MediaURL, spec.CampaignID,
		spec.RunAt.UTC(), spec.MaxAttempts, spec.FollowUpTemplate,
		spec.FollowUpDelay.Milliseconds(), spec.MaxFollowUps, spec.FollowUpsSent)
	if err != nil {
		return nil, err
	}
	return s.LoadJob(ctx, id)
}

const jobCols = `id, instance, recipient, template, media_url, campaign_id, run_at, status,
	attempts, max_attempts, last_attempt_at, last_error,
	followup_template, followup_delay_ms, max_followups, followups_sent, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var delayMS int64
	if err := row.Scan(&j.ID, &j.Instance, &j.Recipient, &j.Template, &j.MediaURL, &j.CampaignID,
		&j.RunAt, &j.Status, &j.Attempts, &j.MaxAttempts, &j.LastAttemptAt, &j.LastError,
		&j.FollowUpTemplate, &delayMS, &j.MaxFollowUps, &j.FollowUpsSent, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.FollowUpDelay = time.Duration(delayMS) * time.Millisecond
	return &j, nil
}

func (s *Store) LoadJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.DB.QueryRow(ctx, `SELECT `+jobCols+` FROM scheduled_jobs WHERE id=$1`, id))
}

// ClaimDueJobs moves up to limit due jobs from scheduled->dispatching using
// SKIP LOCKED and returns their ids. Claiming marks the job immediately so
// an overlapping tick cannot pick it up again.
func (s *Store) ClaimDueJobs(ctx context.Context, limit int) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM scheduled_jobs
		WHERE status='scheduled' AND run_at <= now()
		ORDER BY run_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status='dispatching', attempts=attempts+1, last_attempt_at=now()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	return ids, tx.Commit(ctx)
}

func (s *Store) MarkJobSent(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `UPDATE scheduled_jobs SET status='sent', last_error=NULL WHERE id=$1`, id)
	return err
}

// RescheduleJob puts a transiently failed job back in line after backoff.
// A cancel requested while the job was dispatching suppresses the retry.
func (s *Store) RescheduleJob(ctx context.Context, id string, runAt time.Time, lastErr string) (cancelled bool, err error) {
	var status JobStatus
	err = s.DB.QueryRow(ctx, `
		UPDATE scheduled_jobs SET
			status = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'scheduled' END,
			run_at = $2,
			last_error = $3
		WHERE id=$1
		RETURNING status
	`, id, runAt.UTC(), lastErr).Scan(&status)
	return status == JobCancelled, err
}

func (s *Store) AbandonJob(ctx context.Context, id, reason string) error {
	_, err := s.DB.Exec(ctx, `UPDATE scheduled_jobs SET status='abandoned', last_error=$2 WHERE id=$1`, id, reason)
	return err
}

// CancelJob cancels a scheduled job outright; a dispatching job only gets
// its next retry suppressed. Returns the job's status after the call.
func (s *Store) CancelJob(ctx context.Context, id string) (JobStatus, error) {
	var status JobStatus
	err := s.DB.QueryRow(ctx, `
		UPDATE scheduled_jobs SET
			status = CASE WHEN status='scheduled' THEN 'cancelled' ELSE status END,
			cancel_requested = TRUE
		WHERE id=$1
		RETURNING status
	`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, pgx.ErrNoRows)
	}
	return status, err
}

func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]Job, error) {
	q := `SELECT ` + jobCols + ` FROM scheduled_jobs`
	args := []any{}
	if status != nil {
		q += ` WHERE status=$1`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY run_at LIMIT %d`, limit)
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ---- Campaigns ----

func (s *Store) CreateCampaign(ctx context.Context, name, template string) (*Campaign, error) {
	id := "camp_" + uuid.NewString()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns(id, name, template, status) VALUES($1,$2,$3,'draft')
	`, id, name, template)
	if err != nil {
		return nil, err
	}
	return s.GetCampaign(ctx, id)
}

func (s *Store) StartCampaign(ctx context.Context, id string, recipients int) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='running', recipients=$2, started_at=now() WHERE id=$1
	`, id, recipients)
	return err
}

func (s *Store) FinishCampaign(ctx context.Context, id string, succeeded, failed int) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='done', succeeded=$2, failed=$3, finished_at=now() WHERE id=$1
	`, id, succeeded, failed)
	return err
}

// ReconcileCampaign folds the tracker's final delivery counts back into the
// campaign row after the settle delay.
func (s *Store) ReconcileCampaign(ctx context.Context, id string, delivered, read int) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET delivered=$2, read_count=$3 WHERE id=$1`, id, delivered, read)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, template, status, recipients, succeeded, failed, delivered, read_count,
		       created_at, started_at, finished_at
		FROM campaigns WHERE id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Template, &c.Status, &c.Recipients, &c.Succeeded, &c.Failed,
		&c.Delivered, &c.Read, &c.CreatedAt, &c.StartedAt, &c.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- Contacts ----

func (s *Store) SaveContact(ctx context.Context, c Contact) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts(phone, name, valid) VALUES($1,$2,$3)
		ON CONFLICT(phone) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, contacts.name),
			valid = EXCLUDED.valid
	`, c.Phone, c.Name, c.Valid)
	return err
}

func (s *Store) SetReachability(ctx context.Context, phone string, reachable bool) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE contacts SET reachable=$2, checked_at=now() WHERE phone=$1
	`, phone, reachable)
	return err
}

func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.DB.Query(ctx, `SELECT phone, name, valid, reachable, checked_at FROM contacts ORDER BY phone`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Phone, &c.Name, &c.Valid, &c.Reachable, &c.CheckedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

package core

import (
	"time"
)

// MessageStatus is the delivery lifecycle of one sent message. It only
// advances: pending -> sent -> delivered -> read, with error as the sole
// terminal exception (explicit provider error event).
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageError     MessageStatus = "error"
)

// Message is one outbound message keyed by the provider-assigned id.
type Message struct {
	ID          string        `json:"id"`
	RemoteJid   string        `json:"remoteJid"`
	Body        string        `json:"body"`
	CampaignID  *string       `json:"campaignId,omitempty"`
	Status      MessageStatus `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	SentAt      *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
	ErrorReason *string       `json:"errorReason,omitempty"`
}

// JobStatus is the dispatch lifecycle of a scheduled job.
type JobStatus string

const (
	JobDraft       JobStatus = "draft"
	JobScheduled   JobStatus = "scheduled"
	JobDispatching JobStatus = "dispatching"
	JobSent        JobStatus = "sent"
	JobFailed      JobStatus = "failed"
	JobAbandoned   JobStatus = "abandoned"
	JobCancelled   JobStatus = "cancelled"
)

// Job is one schedulable send: a campaign recipient or an agent-triggered
// message, due at RunAt and retried per the backoff policy.
type Job struct {
	ID            string     `json:"id"`
	Instance      string     `json:"instance"`
	Recipient     string     `json:"recipient"`
	Template      string     `json:"template"`
	MediaURL      *string    `json:"mediaUrl,omitempty"`
	CampaignID    *string    `json:"campaignId,omitempty"`
	RunAt         time.Time  `json:"runAt"`
	Status        JobStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     *string    `json:"lastError,omitempty"`

	// Follow-up policy: after a successful send, re-contact the recipient
	// with FollowUpTemplate unless the job was cancelled in the meantime.
	FollowUpTemplate *string       `json:"followupTemplate,omitempty"`
	FollowUpDelay    time.Duration `json:"followupDelayMs,omitempty"`
	MaxFollowUps     int           `json:"maxFollowups,omitempty"`
	FollowUpsSent    int           `json:"followupsSent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// CampaignStatus tracks a bulk send over a contact set.
type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignRunning CampaignStatus = "running"
	CampaignDone    CampaignStatus = "done"
	CampaignFailed  CampaignStatus = "failed"
)

type Campaign struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Template   string         `json:"template"`
	Status     CampaignStatus `json:"status"`
	Recipients int            `json:"recipients"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Delivered  int            `json:"delivered"`
	Read       int            `json:"read"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// Contact is a persisted destination with reachability state. Reachable is
// tri-state: nil means never checked.
type Contact struct {
	Phone     string     `json:"phone"`
	Name      *string    `json:"name,omitempty"`
	Valid     bool       `json:"valid"`
	Reachable *bool      `json:"reachable,omitempty"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
}

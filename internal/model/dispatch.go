// internal/model/dispatch.go
package model

import "time"

// DispatchJob is the payload handed to the deferred queue. It carries ids
// only; the worker re-resolves everything else.
type DispatchJob struct {
	JobID      string `json:"job_id"`
	CampaignID int64  `json:"campaign_id"`
	UserID     int64  `json:"user_id"`
}

type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

type DispatchResult struct {
	Total      int              `json:"total"`
	Sent       int              `json:"sent"`
	Failed     int              `json:"failed"`
	Errors     []RecipientError `json:"errors"`
	MessageIDs []string         `json:"message_ids"`
}

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunAborted   RunStatus = "ABORTED"
	// RunSkipped means another worker held the campaign lease.
	RunSkipped RunStatus = "SKIPPED"
)

type RunReport struct {
	CampaignID int64          `json:"campaign_id"`
	UserID     int64          `json:"user_id"`
	Status     RunStatus      `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Result     DispatchResult `json:"results"`

	// Err is set when the job is worth retrying: the run could not start,
	// for example because a store was unreachable, or it was interrupted
	// with recipients still pending. It is never set for recipient failures.
	Err error `json:"-"`
}

type EventKind string

const (
	EventRecipientSent    EventKind = "recipient_sent"
	EventRecipientFailed  EventKind = "recipient_failed"
	EventRecipientSkipped EventKind = "recipient_skipped"
	EventQuotaExhausted   EventKind = "quota_exhausted"
	EventRunSummary       EventKind = "run_summary"
)

// DispatchEvent is one execution log entry of a dispatch run.
type DispatchEvent struct {
	ID         int64     `db:"id" json:"id"`
	CampaignID int64     `db:"campaign_id" json:"campaign_id"`
	JobID      string    `db:"job_id" json:"job_id,omitempty"`
	Kind       EventKind `db:"kind" json:"kind"`
	Recipient  string    `db:"recipient" json:"recipient,omitempty"`
	MessageID  string    `db:"message_id" json:"message_id,omitempty"`
	Error      string    `db:"error" json:"error,omitempty"`
	Detail     any       `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

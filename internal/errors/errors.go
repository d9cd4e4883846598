// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Reason codes carried by QuotaExceededError.
const (
	ReasonNoActiveSubscription = "NO_ACTIVE_SUBSCRIPTION"
	ReasonLimitExceeded        = "LIMIT_EXCEEDED"
	ReasonQuotaUnavailable     = "QUOTA_UNAVAILABLE"
)

var (
	// ErrQuotaExhaustedMidRun is recorded when the daily ceiling is crossed
	// inside a dispatch run. Unlike a SendError it stops the run.
	ErrQuotaExhaustedMidRun = errors.New("Daily limit reached during campaign")

	// ErrRunInProgress means another worker holds the campaign lease.
	ErrRunInProgress = errors.New("campaign dispatch already in progress")
)

// ErrCampaignNotFound is returned by lookups for a missing campaign.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// QuotaExceededError rejects a submission before anything is sent.
type QuotaExceededError struct {
	Reason    string
	Limit     int
	Current   int
	Requested int
	Err       error
}

func (e *QuotaExceededError) Error() string {
	switch e.Reason {
	case ReasonNoActiveSubscription:
		return "No active subscription"
	case ReasonQuotaUnavailable:
		return fmt.Sprintf("quota store unavailable: %v", e.Err)
	}
	return fmt.Sprintf("Limit exceeded: %d already sent today, %d requested, daily limit %d",
		e.Current, e.Requested, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// SchedulingError rejects a dispatch time that cannot be honoured.
type SchedulingError struct {
	Message string
	Err     error
}

func (e *SchedulingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduling: %s: %v", e.Message, e.Err)
	}
	return "scheduling: " + e.Message
}

func (e *SchedulingError) Unwrap() error { return e.Err }

func NewSchedulingError(format string, args ...any) error {
	return &SchedulingError{Message: fmt.Sprintf(format, args...)}
}

// AttachmentError rejects an upload that could not be read.
type AttachmentError struct {
	Filename string
	Err      error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %q: %v", e.Filename, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// SendError is a per-recipient failure from the mail collaborator.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ValidationError reports a malformed submission.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusSending   CampaignStatus = "SENDING"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusFailed    CampaignStatus = "FAILED"
	// StatusPaused is reserved for manual intervention; nothing sets it.
	StatusPaused CampaignStatus = "PAUSED"
)

type Campaign struct {
	ID           int64          `db:"id" json:"id"`
	UserID       int64          `db:"user_id" json:"user_id"`
	SenderName   string         `db:"sender_name" json:"sender_name"`
	Subject      string         `db:"subject" json:"subject"`
	BodyTemplate string         `db:"body_template" json:"body_template"`
	Status       CampaignStatus `db:"status" json:"status"`
	ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	EndAt        *time.Time     `db:"end_at" json:"end_at,omitempty"`

	Recipients  []Recipient  `json:"recipients,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Recipient is a single destination inside a campaign. SentAt doubles as the
// durable "already sent" marker checked by the dispatch engine.
type Recipient struct {
	ID         int64      `db:"id" json:"id"`
	CampaignID int64      `db:"campaign_id" json:"campaign_id"`
	Email      string     `db:"email" json:"email"`
	Position   int        `db:"position" json:"position"`
	SentAt     *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	OpenedAt   *time.Time `db:"opened_at" json:"opened_at,omitempty"`
}

type Attachment struct {
	ID              int64  `db:"id" json:"id"`
	CampaignID      int64  `db:"campaign_id" json:"campaign_id"`
	Filename        string `db:"filename" json:"filename"`
	EncodedFilename string `db:"encoded_filename" json:"encoded_filename,omitempty"`
	MimeType        string `db:"mime_type" json:"mime_type"`
	Size            int64  `db:"size" json:"size"`
	Content         string `db:"content" json:"-"` // base64, std encoding
}

// AttachmentDescriptor is the transport-ready form of an uploaded file,
// produced before the campaign (and therefore any ids) exists.
type AttachmentDescriptor struct {
	Filename        string `json:"filename"`
	EncodedFilename string `json:"encoded_filename,omitempty"`
	MimeType        string `json:"mime_type"`
	Size            int64  `json:"size"`
	Content         string `json:"-"`
}

func (d AttachmentDescriptor) Attachment() Attachment {
	return Attachment{
		Filename:        d.Filename,
		EncodedFilename: d.EncodedFilename,
		MimeType:        d.MimeType,
		Size:            d.Size,
		Content:         d.Content,
	}
}

package service

import (
	"context"
	"time"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
)

// ExecutionLog receives dispatch progress as it happens, so a crashed run
// can be reconciled from what was already written.
type ExecutionLog interface {
	Record(ctx context.Context, e model.DispatchEvent)
}

type EventStore interface {
	Insert(ctx context.Context, e *model.DispatchEvent) error
}

// DBExecutionLog writes every event to the structured logger and, when a
// store is configured, to the dispatch_events table. Store failures are
// logged and swallowed; they must not stop a run.
type DBExecutionLog struct {
	Store EventStore
	Log   logger.Logger
}

func (l *DBExecutionLog) Record(ctx context.Context, e model.DispatchEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	fields := []any{"campaign_id", e.CampaignID, "job_id", e.JobID, "kind", string(e.Kind)}
	if e.Recipient != "" {
		fields = append(fields, "recipient", e.Recipient)
	}
	if e.MessageID != "" {
		fields = append(fields, "message_id", e.MessageID)
	}
	if e.Detail != nil {
		fields = append(fields, "detail", e.Detail)
	}

	switch e.Kind {
	case model.EventRecipientFailed, model.EventQuotaExhausted:
		l.Log.Warn("dispatch event", append(fields, "error", e.Error)...)
	default:
		l.Log.Info("dispatch event", fields...)
	}

	if l.Store == nil {
		return
	}
	if err := l.Store.Insert(ctx, &e); err != nil {
		l.Log.Error("failed to persist dispatch event", "campaign_id", e.CampaignID, "kind", string(e.Kind), "error", err)
	}
}

// internal/handler/dispatch_handler.go
package handler

import (
	"context"
	"fmt"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/queue"
)

// Runner executes one dispatch run.
type Runner interface {
	Run(ctx context.Context, job model.DispatchJob) *model.RunReport
}

// DispatchHandler holds the dependencies for consuming dispatch jobs
type DispatchHandler struct {
	Engine Runner
	Log    logger.Logger
}

func NewDispatchHandler(engine Runner, log logger.Logger) *DispatchHandler {
	return &DispatchHandler{Engine: engine, Log: log}
}

// Handle runs the job and reports an error only when the run could not
// start for a transient reason or was interrupted part way; the queue
// redelivers those. Recipient failures are final and live in the report.
func (h *DispatchHandler) Handle(ctx context.Context, job model.DispatchJob) error {
	report := h.Engine.Run(ctx, job)

	h.Log.Info("dispatch job handled",
		"job_id", job.JobID,
		"campaign_id", report.CampaignID,
		"status", report.Status,
		"sent", report.Result.Sent,
		"failed", report.Result.Failed,
		"total", report.Result.Total,
	)

	if report.Err != nil {
		return fmt.Errorf("dispatch campaign %d: %w", job.CampaignID, report.Err)
	}
	return nil
}

var _ queue.Handler = (*DispatchHandler)(nil).Handle

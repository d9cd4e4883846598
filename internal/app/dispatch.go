// Package app assembles the components shared by the server and worker
// binaries.
package app

import (
	"database/sql"

	"github.com/unclebandit/quicksend/internal/cache"
	"github.com/unclebandit/quicksend/internal/composer"
	"github.com/unclebandit/quicksend/internal/config"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/metrics"
	"github.com/unclebandit/quicksend/internal/quota"
	"github.com/unclebandit/quicksend/internal/repository"
	"github.com/unclebandit/quicksend/internal/sender"
	"github.com/unclebandit/quicksend/internal/service"
)

// NewDispatchEngine wires the engine against Postgres, Redis and Gmail.
func NewDispatchEngine(cfg *config.Config, conn *sql.DB, rdb *cache.Client, m *metrics.Metrics, log logger.Logger) *service.DispatchEngine {
	tokens := &repository.TokenRepository{DB: conn}

	return &service.DispatchEngine{
		Campaigns:  &repository.CampaignRepository{DB: conn},
		Recipients: &repository.RecipientRepository{DB: conn},
		Users:      &repository.UserRepository{DB: conn},
		Quota:      quota.NewTracker(rdb, &repository.SubscriptionRepository{DB: conn}),
		Composer:   composer.New(log),
		Sender:     sender.NewGmailSender(cfg.GoogleClientID, cfg.GoogleClientSecret, tokens, log),
		Leases:     rdb,
		Events: &service.DBExecutionLog{
			Store: &repository.DispatchEventRepository{DB: conn},
			Log:   log,
		},
		Log:          log,
		Metrics:      m,
		SendInterval: cfg.SendInterval,
		LeaseTTL:     cfg.RunLeaseTTL,
	}
}

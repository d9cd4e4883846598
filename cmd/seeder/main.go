//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/unclebandit/quicksend/internal/auth"
	"github.com/unclebandit/quicksend/internal/config"
	"github.com/unclebandit/quicksend/internal/db"
	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
	"github.com/unclebandit/quicksend/internal/repository"
)

func main() {
	email := flag.String("email", "demo@quicksend.local", "demo user email")
	plan := flag.String("plan", string(model.PlanTrial), "subscription plan: trial, standard or premium")
	timezone := flag.String("timezone", "UTC", "demo user timezone")
	days := flag.Int("days", 14, "subscription length in days")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if err := seed(cfg, *email, model.Plan(*plan), *timezone, *days); err != nil {
		log.Error("seeding failed", "error", err)
		os.Exit(1)
	}
}

func seed(cfg *config.Config, email string, plan model.Plan, timezone string, days int) error {
	if _, err := plan.RecipientLimit(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	user := &model.User{Email: email, FirstName: "Demo", LastName: "Sender", Timezone: timezone}
	if err := (&repository.UserRepository{DB: conn}).Upsert(ctx, user); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	now := time.Now().UTC()
	sub := &model.Subscription{
		UserID:    user.ID,
		Plan:      plan,
		IsActive:  true,
		IsTrial:   plan == model.PlanTrial,
		StartedAt: now,
		EndAt:     now.AddDate(0, 0, days),
	}
	if err := (&repository.SubscriptionRepository{DB: conn}).Create(ctx, sub); err != nil {
		return fmt.Errorf("seed subscription: %w", err)
	}

	// A refresh token lets the worker send through the demo user's Gmail.
	if refresh := os.Getenv("SEED_GOOGLE_REFRESH_TOKEN"); refresh != "" {
		tok := &model.GoogleToken{UserID: user.ID, RefreshToken: refresh, TokenType: "Bearer"}
		if err := (&repository.TokenRepository{DB: conn}).SaveToken(ctx, tok); err != nil {
			return fmt.Errorf("seed google token: %w", err)
		}
	}

	token, err := auth.GenerateJWT(user.ID, cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		return err
	}

	fmt.Printf("Seeded user %d (%s) on plan %s until %s\n", user.ID, user.Email, plan, sub.EndAt.Format(time.RFC3339))
	fmt.Printf("Bearer token: %s\n", token)
	fmt.Println("Database seeding completed successfully!")
	return nil
}

// internal/model/subscription.go
package model

import (
	"fmt"
	"time"
)

type Plan string

const (
	PlanTrial    Plan = "trial"
	PlanStandard Plan = "standard"
	PlanPremium  Plan = "premium"
)

// RecipientLimit is the number of recipients a plan may send to per day.
func (p Plan) RecipientLimit() (int, error) {
	switch p {
	case PlanTrial:
		return 50, nil
	case PlanStandard:
		return 500, nil
	case PlanPremium:
		return 2000, nil
	}
	return 0, fmt.Errorf("unknown subscription plan %q", string(p))
}

type Subscription struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Plan      Plan      `db:"plan" json:"plan"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	IsTrial   bool      `db:"is_trial" json:"is_trial"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
	EndAt     time.Time `db:"end_at" json:"end_at"`
}

type User struct {
	ID        int64  `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Timezone  string `db:"timezone" json:"timezone"`
}

func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	}
	return u.LastName
}

// GoogleToken holds the OAuth credentials a user granted for gmail.send.
type GoogleToken struct {
	UserID       int64     `db:"user_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	Expiry       time.Time `db:"expires_at"`
}

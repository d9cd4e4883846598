// Package sender delivers composed messages through the Gmail API using the
// credentials each user granted.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/unclebandit/quicksend/internal/logger"
	"github.com/unclebandit/quicksend/internal/model"
)

// Sender sends one raw, base64url encoded message and returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, userID int64, raw string) (string, error)
}

// TokenStore loads and persists per-user OAuth credentials.
type TokenStore interface {
	GetToken(ctx context.Context, userID int64) (*model.GoogleToken, error)
	SaveToken(ctx context.Context, tok *model.GoogleToken) error
}

var ErrNoCredentials = errors.New("no google credentials for user")

type GmailSender struct {
	OAuth  *oauth2.Config
	Tokens TokenStore
	Log    logger.Logger

	// Endpoint overrides the Gmail API base URL.
	Endpoint string
}

func NewGmailSender(clientID, clientSecret string, tokens TokenStore, log logger.Logger) *GmailSender {
	return &GmailSender{
		OAuth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailSendScope},
		},
		Tokens: tokens,
		Log:    log,
	}
}

func (s *GmailSender) Send(ctx context.Context, userID int64, raw string) (string, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return "", err
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail send: %w", err)
	}
	return sent.Id, nil
}

func (s *GmailSender) service(ctx context.Context, userID int64) (*gmail.Service, error) {
	stored, err := s.Tokens.GetToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load google token: %w", err)
	}
	if stored == nil {
		return nil, ErrNoCredentials
	}

	current := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	}
	ts := oauth2.ReuseTokenSource(current, &persistingSource{
		ctx:    ctx,
		userID: userID,
		base:   s.OAuth.TokenSource(ctx, current),
		store:  s.Tokens,
		log:    s.Log,
		last:   current.AccessToken,
	})

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if s.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return svc, nil
}

// persistingSource writes refreshed tokens back so the next run does not
// have to refresh again.
type persistingSource struct {
	ctx    context.Context
	userID int64
	base   oauth2.TokenSource
	store  TokenStore
	log    logger.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken

	err = p.store.SaveToken(p.ctx, &model.GoogleToken{
		UserID:       p.userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})
	if err != nil {
		p.log.Warn("failed to persist refreshed google token", "user_id", p.userID, "error", err)
	}
	return tok, nil
}

package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/stravalytics/stravasync/internal/apperrors"
	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
	"github.com/stravalytics/stravasync/internal/tokenstore"
)

const defaultRefreshBuffer = 10 * time.Minute

type Config struct {
	// Token endpoint of the fitness API, e.g. https://www.strava.com/oauth/token
	TokenURL string

	// Margin before expiry at which proactive refresh kicks in.
	// Zero means the default of 10 minutes
	RefreshBuffer time.Duration

	// Application credentials used when the stored record carries none
	ClientID     string
	ClientSecret string

	// HTTPClient overrides the client used for the refresh exchange.
	// Meant for tests, nil means http.DefaultClient
	HTTPClient *http.Client
}

// Status of the stored credential at the moment of the call
type Status struct {
	ExpiresAt    time.Time
	Remaining    time.Duration
	IsExpired    bool
	NeedsRefresh bool
}

// Manager owns the credential lifecycle: it is the only writer of the
// token store. Validity is always recomputed from the stored expiry.
type Manager struct {
	store  tokenstore.Store
	logger logger.Logger

	tokenURL     string
	buffer       time.Duration
	clientID     string
	clientSecret string
	httpClient   *http.Client

	now func() time.Time
}

func NewManager(cfg Config, store tokenstore.Store, logger logger.Logger) (*Manager, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token URL is required")
	}

	buffer := cfg.RefreshBuffer
	if buffer == 0 {
		buffer = defaultRefreshBuffer
	}

	return &Manager{
		store:        store,
		logger:       logger,
		tokenURL:     cfg.TokenURL,
		buffer:       buffer,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   cfg.HTTPClient,
		now:          time.Now,
	}, nil
}

// Status reads the persisted credential and computes remaining validity
// against the current time
func (m *Manager) Status(ctx context.Context) (Status, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	remaining := cred.Remaining(m.now())

	return Status{
		ExpiresAt:    cred.ExpiresAt,
		Remaining:    remaining,
		IsExpired:    remaining <= 0,
		NeedsRefresh: remaining <= m.buffer,
	}, nil
}

// EnsureValid returns a credential valid for at least the refresh buffer.
// When the stored one still has enough lifetime and force is false it is
// returned untouched with zero network calls. Otherwise exactly one
// refresh exchange is performed and the new credential is persisted
// atomically before being returned.
func (m *Manager) EnsureValid(ctx context.Context, force bool) (models.Credential, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return models.Credential{}, err
	}

	if !force && cred.Remaining(m.now()) > m.buffer {
		m.logger.Debug("Token still valid, refresh not needed", "expires_at", cred.ExpiresAt)
		return cred, nil
	}

	m.logger.Info("Refreshing access token", "force", force, "expires_at", cred.ExpiresAt)

	refreshed, err := m.refresh(ctx, cred)
	if err != nil {
		return models.Credential{}, err
	}

	if err := m.store.Save(ctx, refreshed); err != nil {
		return models.Credential{}, fmt.Errorf("persisting refreshed credential: %w", err)
	}

	m.logger.Info("Token refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed, nil
}

// refresh exchanges the refresh token for a new credential
func (m *Manager) refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	clientID, clientSecret := cred.ClientID, cred.ClientSecret
	if clientID == "" {
		clientID = m.clientID
	}
	if clientSecret == "" {
		clientSecret = m.clientSecret
	}
	if clientID == "" || clientSecret == "" {
		return models.Credential{}, fmt.Errorf("%w: client id and secret are required for refresh", apperrors.ErrRefreshFailed)
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.tokenURL},
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The endpoint rejected the exchange: revoked or invalid
			// refresh token, needs manual re-authorization
			return models.Credential{}, fmt.Errorf("%w: %v", apperrors.ErrRefreshFailed, err)
		}
		return models.Credential{}, fmt.Errorf("refresh exchange: %w", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}

	return models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}, nil
}

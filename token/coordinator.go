// Package token coordinates refreshing and reading access tokens on top
// of the session store. All callers in the process share one Coordinator
// so concurrent refreshes collapse into a single token endpoint call.
package token

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrNotAuthenticated indicates that no usable session exists: nothing is
// stored, the stored token expired without a refresh token, or a refresh
// attempt failed.
var ErrNotAuthenticated = errors.New("not authenticated")

// Singleflight keys. Refresh and access-token reads are separate flights
// so a plain read never blocks behind an unrelated caller's refresh, but
// every concurrent refresh joins the same flight.
const (
	refreshFlightKey = "refresh"
	accessFlightKey  = "access"
)

// Params identifies the issuer a refresh is performed against.
type Params struct {
	IdpHost  string
	ClientID string
}

// Coordinator deduplicates refreshes and access-token reads. The store is
// the source of truth; the Coordinator only ever replaces the session
// wholesale with the response of a successful refresh, or clears it when
// the refresh token is rejected.
type Coordinator struct {
	sessions       *session.Store
	idp            *idp.Client
	group          singleflight.Group
	nowTime        func() time.Time
	persistRefresh bool
	log            zerolog.Logger
}

// Option defines a function type to modify the Coordinator instance.
type Option func(*Coordinator)

// WithNowTime sets the function used to fetch the current time.
func WithNowTime(fn func() time.Time) Option {
	return func(c *Coordinator) { c.nowTime = fn }
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = logger }
}

// WithoutRefreshPersistence stops refreshed refresh tokens from being
// written back to the store.
func WithoutRefreshPersistence() Option {
	return func(c *Coordinator) { c.persistRefresh = false }
}

// NewCoordinator creates a Coordinator over the session store and IdP
// client.
func NewCoordinator(sessions *session.Store, idpClient *idp.Client, options ...Option) (*Coordinator, error) {
	if sessions == nil {
		return nil, errors.New("[NewCoordinator] session store is required")
	}
	if idpClient == nil {
		return nil, errors.New("[NewCoordinator] idp client is required")
	}

	coordinator := &Coordinator{
		sessions:       sessions,
		idp:            idpClient,
		nowTime:        time.Now,
		persistRefresh: true,
		log:            log.Logger,
	}
	for _, opt := range options {
		opt(coordinator)
	}
	return coordinator, nil
}

// RefreshSession exchanges the refresh token for a new session and
// persists it. Concurrent calls share one token endpoint request and all
// receive the same outcome. On failure the stored session is left
// untouched; the caller decides whether the failure is terminal.
func (c *Coordinator) RefreshSession(ctx context.Context, params Params, refreshToken string) (*session.UserSession, error) {
	if refreshToken == "" {
		return nil, errors.New("[Coordinator.RefreshSession] refresh token is required")
	}

	value, err, shared := c.group.Do(refreshFlightKey, func() (interface{}, error) {
		return c.refresh(ctx, params, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug().Msg("token: refresh shared with concurrent caller")
	}
	return value.(*session.UserSession).Clone(), nil
}

func (c *Coordinator) refresh(ctx context.Context, params Params, refreshToken string) (*session.UserSession, error) {
	response, err := c.idp.Refresh(ctx, idp.RefreshRequest{
		IdpHost:      params.IdpHost,
		ClientID:     params.ClientID,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.refresh] idp.Refresh")
	}

	refreshed := session.FromTokenResponse(response, c.nowTime(), c.persistRefresh, refreshToken)
	if err := c.sessions.Set(refreshed); err != nil {
		return nil, errors.Wrap(err, "[Coordinator.refresh] sessions.Set")
	}
	return refreshed, nil
}

// AccessToken returns a currently valid access token, refreshing first if
// the stored one has expired. Concurrent calls share one read (and, when
// needed, one refresh). Fails with ErrNotAuthenticated when no session is
// stored, when the token expired without a refresh token, or when the
// refresh is rejected; in the last case the stored session is cleared so
// subsequent calls fail fast instead of re-sending a dead refresh token.
func (c *Coordinator) AccessToken(ctx context.Context, params Params) (string, error) {
	value, err, _ := c.group.Do(accessFlightKey, func() (interface{}, error) {
		return c.accessToken(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (c *Coordinator) accessToken(ctx context.Context, params Params) (string, error) {
	current, err := c.sessions.Get()
	if errors.Is(err, session.ErrNoSession) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", errors.Wrap(err, "[Coordinator.accessToken] sessions.Get")
	}

	if !current.Expired(c.nowTime()) {
		return current.AccessToken, nil
	}

	if current.RefreshToken == "" {
		return "", errors.Wrap(ErrNotAuthenticated, "access token expired without refresh token")
	}

	refreshed, err := c.RefreshSession(ctx, params, current.RefreshToken)
	if err != nil {
		c.log.Warn().Err(err).Msg("token: refresh failed, clearing stored session")
		if clearErr := c.sessions.Clear(); clearErr != nil {
			c.log.Error().Err(clearErr).Msg("token: failed to clear session after rejected refresh")
		}
		return "", errors.Wrapf(ErrNotAuthenticated, "refresh rejected: %v", err)
	}
	return refreshed.AccessToken, nil
}

// Package session owns the durable user session: the access/refresh/ID
// token triple and its expiry. The stored session is the single source of
// truth shared by every consumer in the process (and, with a shared
// backing store, across processes); user info and auth headers are
// derived from it.
package session

import (
	"time"

	"github.com/jrsteele09/go-auth-client/idp"
	"github.com/pkg/errors"
)

// ErrNoSession indicates that no valid session is stored. Corrupt or
// shape-invalid stored values fail open to this same state.
var ErrNoSession = errors.New("no stored session")

// UserSession is the persisted session. Expires is an epoch-millisecond
// timestamp, always in the future at creation time. A stored session is
// immutable except by whole-object replacement (refresh) or removal
// (logout); partial field updates are never written.
type UserSession struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	Expires      int64  `json:"expires"`
}

// Validate checks the stored shape: a non-empty access token and a
// positive expiry.
func (s *UserSession) Validate() error {
	if s.AccessToken == "" {
		return errors.Wrap(ErrNoSession, "missing access token")
	}
	if s.Expires <= 0 {
		return errors.Wrap(ErrNoSession, "missing expiry")
	}
	return nil
}

// ExpiresAt returns the expiry as a time.Time.
func (s *UserSession) ExpiresAt() time.Time {
	return time.UnixMilli(s.Expires)
}

// Expired reports whether the access token has expired at now.
func (s *UserSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// Clone returns an independent copy. Store readers always receive
// copies, never a live reference to shared state.
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// FromTokenResponse builds a session from a validated token endpoint
// response. The expiry is now plus the token lifetime. When the provider
// rotates the refresh token the new one is kept, otherwise previousRefresh
// carries over; persistRefresh=false drops the refresh token entirely so
// it is never written to storage.
func FromTokenResponse(response *idp.TokenResponse, now time.Time, persistRefresh bool, previousRefresh string) *UserSession {
	refreshToken := ""
	if persistRefresh {
		refreshToken = response.RefreshToken
		if refreshToken == "" {
			refreshToken = previousRefresh
		}
	}

	return &UserSession{
		AccessToken:  response.AccessToken,
		RefreshToken: refreshToken,
		IDToken:      response.IDToken,
		Expires:      now.Add(time.Duration(response.ExpiresIn) * time.Second).UnixMilli(),
	}
}

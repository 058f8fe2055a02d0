package auth

import (
	"net/url"

	"github.com/pkg/errors"
)

// DefaultScope is requested when the configuration does not name one.
const DefaultScope = "openid email"

// Config holds the OAuth client configuration for one identity provider.
type Config struct {
	ClientID         string
	IdpHost          string
	RedirectURI      string
	UserInfoEndpoint string

	// Scope defaults to "openid email".
	Scope string

	// AutoLogin starts the login redirect from Resume when no session is
	// stored and no authorization code is pending.
	AutoLogin bool

	// PersistRefreshToken controls whether refresh tokens are written to
	// the durable store. Off, sessions end when the access token expires.
	PersistRefreshToken bool

	Prompt     string
	AcrValues  string
	DomainHint string

	// AdditionalParameters is a query string of extra authorize URL
	// parameters. Keys that collide with the required OAuth or PKCE
	// parameters are dropped.
	AdditionalParameters string
}

// Authorize URL parameters owned by the controller. Caller-supplied
// additional parameters never override these.
var reservedAuthorizeParams = map[string]struct{}{
	"client_id":             {},
	"response_type":         {},
	"scope":                 {},
	"redirect_uri":          {},
	"code_challenge":        {},
	"code_challenge_method": {},
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.IdpHost == "" {
		return errors.New("idp host is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect uri is required")
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return errors.Wrap(err, "invalid redirect uri")
	}
	if c.AdditionalParameters != "" {
		if _, err := url.ParseQuery(c.AdditionalParameters); err != nil {
			return errors.Wrap(err, "invalid additional parameters")
		}
	}
	return nil
}

func (c Config) scope() string {
	if c.Scope == "" {
		return DefaultScope
	}
	return c.Scope
}

// additionalAuthorizeParams parses AdditionalParameters and strips any
// reserved keys.
func (c Config) additionalAuthorizeParams() url.Values {
	values, err := url.ParseQuery(c.AdditionalParameters)
	if err != nil {
		return nil
	}
	for key := range values {
		if _, reserved := reservedAuthorizeParams[key]; reserved {
			delete(values, key)
		}
	}
	return values
}

// Package idp speaks the identity provider's HTTP contract: the token
// endpoint (code exchange and refresh grants) and the userinfo endpoint.
// Every response is shape-validated before being trusted; a response that
// fails validation is a failure, never partially used.
package idp

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedTokenResponse indicates a token endpoint response that
	// does not carry a usable access token.
	ErrMalformedTokenResponse = errors.New("malformed token response")
	// ErrMalformedUserInfo indicates a userinfo response missing the
	// required identity claims.
	ErrMalformedUserInfo = errors.New("malformed userinfo response")
	// ErrUserInfoStatus indicates the userinfo endpoint rejected the
	// access token. Callers treat this as a signal to refresh.
	ErrUserInfoStatus = errors.New("userinfo request rejected")
)

// TokenResponse is the standard OAuth2 token endpoint response shape
// (RFC 6749) shared by the authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// Validate checks the response shape. An access token and a positive
// lifetime are required; everything else is optional.
func (t *TokenResponse) Validate() error {
	if t.AccessToken == "" {
		return errors.Wrap(ErrMalformedTokenResponse, "missing access_token")
	}
	if t.ExpiresIn <= 0 {
		return errors.Wrap(ErrMalformedTokenResponse, "missing or non-positive expires_in")
	}
	return nil
}

// UserInfo holds the identity claims returned by the userinfo endpoint.
// Claims beyond the well-known ones are preserved in Extra.
type UserInfo struct {
	Email      string
	Sub        string
	GivenName  string
	FamilyName string
	Extra      map[string]any
}

// Validate requires the email and sub claims.
func (u *UserInfo) Validate() error {
	if u.Email == "" {
		return errors.Wrap(ErrMalformedUserInfo, "missing email")
	}
	if u.Sub == "" {
		return errors.Wrap(ErrMalformedUserInfo, "missing sub")
	}
	return nil
}

// UnmarshalJSON extracts the well-known claims and keeps the remainder
// in Extra.
func (u *UserInfo) UnmarshalJSON(data []byte) error {
	claims := map[string]any{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return err
	}

	u.Email = stringClaim(claims, "email")
	u.Sub = stringClaim(claims, "sub")
	u.GivenName = stringClaim(claims, "given_name")
	u.FamilyName = stringClaim(claims, "family_name")

	for _, known := range []string{"email", "sub", "given_name", "family_name"} {
		delete(claims, known)
	}
	if len(claims) > 0 {
		u.Extra = claims
	}
	return nil
}

func stringClaim(claims map[string]any, name string) string {
	if value, ok := claims[name].(string); ok {
		return value
	}
	return ""
}

// exchangeForm is the form-encoded body of an authorization_code grant.
type exchangeForm struct {
	GrantType    string `url:"grant_type"`
	ClientID     string `url:"client_id"`
	Code         string `url:"code"`
	CodeVerifier string `url:"code_verifier"`
	RedirectURI  string `url:"redirect_uri"`
}

// refreshForm is the form-encoded body of a refresh_token grant.
type refreshForm struct {
	GrantType    string `url:"grant_type"`
	ClientID     string `url:"client_id"`
	RefreshToken string `url:"refresh_token"`
}

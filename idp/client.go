package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/go-querystring/query"
	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/pkg/errors"
)

const (
	authorizePath = "/oauth2/authorize"
	tokenPath     = "/oauth2/token"
)

// AuthorizeURL returns the authorization endpoint for an IdP host.
func AuthorizeURL(idpHost string) string {
	return fmt.Sprintf("https://%s%s", idpHost, authorizePath)
}

// TokenURL returns the token endpoint for an IdP host.
func TokenURL(idpHost string) string {
	return fmt.Sprintf("https://%s%s", idpHost, tokenPath)
}

// Client performs identity provider requests through the retrying HTTP
// helper. It is stateless and safe for concurrent use.
type Client struct {
	httpClient *httpclient.Client

	// tokenURL overrides the https://{idpHost}/oauth2/token convention,
	// used when endpoints come from OIDC discovery.
	tokenURL string
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

// WithTokenURL pins the token endpoint to an absolute URL instead of
// deriving it from the IdP host.
func WithTokenURL(tokenURL string) ClientOption {
	return func(c *Client) { c.tokenURL = tokenURL }
}

// NewClient creates an identity provider client. A nil httpClient gets
// the default retrying client.
func NewClient(httpClient *httpclient.Client, options ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = httpclient.New()
	}
	c := &Client{httpClient: httpClient}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ExchangeRequest carries the parameters of an authorization_code grant.
type ExchangeRequest struct {
	IdpHost      string
	ClientID     string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// RefreshRequest carries the parameters of a refresh_token grant.
type RefreshRequest struct {
	IdpHost      string
	ClientID     string
	RefreshToken string
}

// ExchangeCode swaps an authorization code plus PKCE verifier for a token
// triple.
func (c *Client) ExchangeCode(ctx context.Context, request ExchangeRequest) (*TokenResponse, error) {
	form := exchangeForm{
		GrantType:    "authorization_code",
		ClientID:     request.ClientID,
		Code:         request.Code,
		CodeVerifier: request.CodeVerifier,
		RedirectURI:  request.RedirectURI,
	}
	response, err := c.postTokenForm(ctx, request.IdpHost, form)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.ExchangeCode] token request")
	}
	return response, nil
}

// Refresh swaps a refresh token for a new token triple.
func (c *Client) Refresh(ctx context.Context, request RefreshRequest) (*TokenResponse, error) {
	form := refreshForm{
		GrantType:    "refresh_token",
		ClientID:     request.ClientID,
		RefreshToken: request.RefreshToken,
	}
	response, err := c.postTokenForm(ctx, request.IdpHost, form)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh] token request")
	}
	return response, nil
}

// FetchUserInfo performs a bearer-authorized GET against the userinfo
// endpoint and validates the claim shape.
func (c *Client) FetchUserInfo(ctx context.Context, endpoint, accessToken string) (*UserInfo, error) {
	response, err := c.httpClient.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    endpoint,
		Headers: map[string]string{
			"Authorization": "Bearer " + accessToken,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.FetchUserInfo] request")
	}
	if !response.Success() {
		return nil, errors.Wrapf(ErrUserInfoStatus, "HTTP %d", response.StatusCode)
	}

	var info UserInfo
	if err := json.Unmarshal(response.Body, &info); err != nil {
		return nil, errors.Wrap(ErrMalformedUserInfo, err.Error())
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) postTokenForm(ctx context.Context, idpHost string, form any) (*TokenResponse, error) {
	values, err := query.Values(form)
	if err != nil {
		return nil, errors.Wrap(err, "encode form")
	}

	endpoint := c.tokenURL
	if endpoint == "" {
		endpoint = TokenURL(idpHost)
	}

	response, err := c.httpClient.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Body:   []byte(values.Encode()),
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
	})
	if err != nil {
		return nil, err
	}

	// Grant failures (invalid_grant and friends) arrive as non-2xx JSON
	// bodies without an access_token; both paths land on the same
	// malformed-response error so callers never partially trust them.
	var tokenResponse TokenResponse
	if err := json.Unmarshal(response.Body, &tokenResponse); err != nil {
		return nil, errors.Wrapf(ErrMalformedTokenResponse, "HTTP %d: %s", response.StatusCode, err.Error())
	}
	if !response.Success() {
		return nil, errors.Wrapf(ErrMalformedTokenResponse, "HTTP %d", response.StatusCode)
	}
	if err := tokenResponse.Validate(); err != nil {
		return nil, err
	}
	return &tokenResponse, nil
}

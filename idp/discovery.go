package idp

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
)

// Endpoints holds the provider URLs resolved through OIDC discovery.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
}

// Discover resolves the provider's endpoints from its issuer URL via the
// .well-known/openid-configuration document. Providers that follow the
// fixed /oauth2/{authorize,token} layout don't need this; it exists for
// hosts that publish non-standard paths.
func Discover(ctx context.Context, issuer string) (*Endpoints, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[Discover] oidc.NewProvider")
	}

	var claims struct {
		UserInfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[Discover] provider claims")
	}

	endpoint := provider.Endpoint()
	return &Endpoints{
		AuthorizeURL: endpoint.AuthURL,
		TokenURL:     endpoint.TokenURL,
		UserInfoURL:  claims.UserInfoEndpoint,
	}, nil
}

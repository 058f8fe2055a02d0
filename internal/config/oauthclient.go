package config

const (
	clientIDEnvVar         = "CLIENT_ID"
	idpHostEnvVar          = "IDP_HOST"
	issuerEnvVar           = "ISSUER"
	redirectURIEnvVar      = "REDIRECT_URI"
	userInfoEndpointEnvVar = "USERINFO_ENDPOINT"
	scopeEnvVar            = "SCOPE"
	autoLoginEnvVar        = "AUTO_LOGIN"
	persistRefreshEnvVar   = "PERSIST_REFRESH_TOKEN"
)

type OAuthClient struct{}

var _ OAuthClientConfig = OAuthClient{}

func (OAuthClient) GetClientID() string {
	return GetEnv(clientIDEnvVar, "")
}

func (OAuthClient) GetIdpHost() string {
	return GetEnv(idpHostEnvVar, "")
}

// GetIssuer returns the OIDC issuer URL. When set, endpoints come from
// discovery instead of the https://{idpHost}/oauth2/... convention.
func (OAuthClient) GetIssuer() string {
	return GetEnv(issuerEnvVar, "")
}

func (OAuthClient) GetRedirectURI() string {
	return GetEnv(redirectURIEnvVar, "http://localhost:8080/callback")
}

func (OAuthClient) GetUserInfoEndpoint() string {
	return GetEnv(userInfoEndpointEnvVar, "")
}

func (OAuthClient) GetScope() string {
	return GetEnv(scopeEnvVar, "openid email")
}

func (OAuthClient) GetAutoLogin() bool {
	return GetEnv(autoLoginEnvVar, "false") == "true"
}

func (OAuthClient) GetPersistRefreshToken() bool {
	return GetEnv(persistRefreshEnvVar, "true") == "true"
}

package config

type Config interface {
	EnvConfig
	OAuthClientConfig
	StorageConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
}

type OAuthClientConfig interface {
	GetClientID() string
	GetIdpHost() string
	GetIssuer() string
	GetRedirectURI() string
	GetUserInfoEndpoint() string
	GetScope() string
	GetAutoLogin() bool
	GetPersistRefreshToken() bool
}

type StorageConfig interface {
	GetSessionFile() string
	GetSessionDB() string
	GetSealSecret() []byte
}

type mainConfig struct {
	EnvVars
	OAuthClient
	Storage
}

func New() Config {
	return mainConfig{}
}

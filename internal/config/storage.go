package config

import "encoding/base64"

const (
	sessionFileEnvVar = "SESSION_FILE"
	sessionDBEnvVar   = "SESSION_DB"
	sealSecretEnvVar  = "SEAL_SECRET"
)

type Storage struct{}

var _ StorageConfig = Storage{}

// GetSessionFile returns the path of the file-backed durable store.
// Ignored when a SQLite path is configured.
func (Storage) GetSessionFile() string {
	return GetEnv(sessionFileEnvVar, "./data/session.json")
}

func (Storage) GetSessionDB() string {
	return GetEnv(sessionDBEnvVar, "")
}

// GetSealSecret returns the base64url-encoded 32-byte at-rest encryption
// key, or nil when sessions are stored unencrypted.
func (Storage) GetSealSecret() []byte {
	encoded := GetEnv(sealSecretEnvVar, "")
	if encoded == "" {
		return nil
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return secret
}

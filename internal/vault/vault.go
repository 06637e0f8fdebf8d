// Package vault resolves per-user exchange credentials. The engine never
// persists secrets with bot state; it asks the vault at client construction
// time and holds the keys only in memory.
package vault

import (
	"os"
	"strings"

	"binance-grid-engine-go/internal/errs"
)

// Credentials is one user's API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Vault looks up exchange credentials for a user.
type Vault interface {
	// Credentials returns the user's key pair, or a NotFound error when the
	// user has none configured.
	Credentials(userID string) (Credentials, error)
}

// EnvVault 从环境变量读取凭证（.env 文件在启动时由 godotenv 加载）。
// 按用户查找 GRID_API_KEY_<USERID>，找不到则回退到全局 GRID_API_KEY。
type EnvVault struct {
	Prefix string // defaults to "GRID"
}

func NewEnvVault() *EnvVault {
	return &EnvVault{Prefix: "GRID"}
}

func (v *EnvVault) Credentials(userID string) (Credentials, error) {
	const op = "vault.credentials"
	prefix := v.Prefix
	if prefix == "" {
		prefix = "GRID"
	}

	suffix := sanitize(userID)
	key := os.Getenv(prefix + "_API_KEY_" + suffix)
	secret := os.Getenv(prefix + "_SECRET_KEY_" + suffix)
	if key != "" && secret != "" {
		return Credentials{APIKey: key, SecretKey: secret}, nil
	}

	key = os.Getenv(prefix + "_API_KEY")
	secret = os.Getenv(prefix + "_SECRET_KEY")
	if key != "" && secret != "" {
		return Credentials{APIKey: key, SecretKey: secret}, nil
	}
	return Credentials{}, errs.Ef(errs.NotFound, op, "no credentials configured for user %s", userID)
}

// sanitize 把用户ID映射成合法的环境变量名片段。
func sanitize(userID string) string {
	up := strings.ToUpper(userID)
	var b strings.Builder
	for _, r := range up {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Static is a fixed-map vault for tests and paper trading.
type Static map[string]Credentials

func (s Static) Credentials(userID string) (Credentials, error) {
	if c, ok := s[userID]; ok {
		return c, nil
	}
	return Credentials{}, errs.Ef(errs.NotFound, "vault.credentials", "no credentials configured for user %s", userID)
}

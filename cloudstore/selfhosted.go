package cloudstore

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProviderSelfHosted targets a self-hosted Remvin sync server. The configured
// api key is the shared HMAC secret; each request carries a short-lived HS256
// bearer token with the device id as subject.
const ProviderSelfHosted = "selfhosted"

const bearerTokenTTL = 5 * time.Minute

func init() {
	Register(ProviderSelfHosted, func(cfg Config, logger *slog.Logger) (Store, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("selfhosted provider requires an api key (shared secret)")
		}
		rs := newRESTStore(cfg, logger)
		rs.authorize = func(req *http.Request) error {
			token, err := mintBearerToken(cfg.APIKey, cfg.DeviceID)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}
		return rs, nil
	})
}

func mintBearerToken(secret, deviceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    "remvin-pos",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(bearerTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign bearer token: %w", err)
	}
	return signed, nil
}

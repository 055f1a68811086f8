// Package sessiontoken mints and verifies the short-lived symmetric token a node agent
// uses to reconnect without presenting its long-lived static token.
package sessiontoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecrets    = errors.New("sessiontoken: no secrets configured")
	ErrInvalidToken = errors.New("sessiontoken: invalid or expired token")
)

// Claims are the session token's payload: `{ nodeId, issuer, audience, issuedAt, expiresAt }`.
type Claims struct {
	NodeID string `json:"nodeId"`
	jwt.RegisteredClaims
}

// Manager mints tokens with the first secret in the rotation list and verifies against any
// secret in the list (first match wins), so a secret can be rotated by prepending the new
// one and leaving the old one active until every outstanding token expires.
type Manager struct {
	secrets  [][]byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewManager(secrets []string, issuer, audience string, ttl time.Duration) (*Manager, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSecrets
	}
	keys := make([][]byte, len(secrets))
	for i, s := range secrets {
		keys[i] = []byte(s)
	}
	return &Manager{secrets: keys, issuer: issuer, audience: audience, ttl: ttl}, nil
}

// Mint signs a new session token for nodeID using the first (primary) secret.
func (m *Manager) Mint(nodeID string) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(m.ttl)

	claims := Claims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secrets[0])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sessiontoken: sign: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks raw against every secret in the rotation list in order, first match wins,
// and validates standard registered-claim constraints (issuer, audience, expiry).
func (m *Manager) Verify(raw string) (*Claims, error) {
	var lastErr error
	for _, secret := range m.secrets {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("sessiontoken: unexpected signing method %v", tok.Header["alg"])
			}
			return secret, nil
		}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience))
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

package nodemgr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kaonis/woly-cnc/internal/sessiontoken"
)

// UpgradeAuthKind distinguishes the two acceptable upgrade-time auth contexts.
type UpgradeAuthKind int

const (
	AuthKindStatic UpgradeAuthKind = iota
	AuthKindSession
)

// UpgradeAuthContext is the outcome of authenticateUpgrade: either a static token (compared
// verbatim against the configured list and, later, against a legacy authToken echo in the
// register payload) or a verified session token (whose subject binds the registration's
// nodeId).
type UpgradeAuthContext struct {
	Kind   UpgradeAuthKind
	NodeID string // only set for AuthKindSession
	Token  string // raw token presented at upgrade time
}

var ErrUpgradeUnauthorized = errors.New("nodemgr: upgrade unauthorized")

// authenticateUpgrade reads one token, from the Authorization header when it carries a
// "Bearer " value and from the ?token= query parameter otherwise, and classifies it: a token
// that verifies as a session token yields a session context, otherwise it must match a
// configured static token. When a request carries tokens in both places only the header
// token is examined; the query token is ignored.
func (m *Manager) authenticateUpgrade(r *http.Request) (UpgradeAuthContext, error) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return UpgradeAuthContext{}, ErrUpgradeUnauthorized
	}

	if claims, err := m.tokenManager.Verify(token); err == nil {
		return UpgradeAuthContext{Kind: AuthKindSession, NodeID: claims.NodeID, Token: token}, nil
	} else if !errors.Is(err, sessiontoken.ErrInvalidToken) {
		return UpgradeAuthContext{}, err
	}

	if m.staticTokens[token] {
		return UpgradeAuthContext{Kind: AuthKindStatic, Token: token}, nil
	}

	return UpgradeAuthContext{}, ErrUpgradeUnauthorized
}

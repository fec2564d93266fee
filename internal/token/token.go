package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// TokenSet is the per-provider mutable token state. Access and claims tokens
// are replaced on expiry via the refresh token; when the refresh token itself
// goes stale a full re-login is forced.
type TokenSet struct {
	Refresh string `json:"refresh_token,omitempty"`
	Access  string `json:"access_token,omitempty"`
	Claims  string `json:"claims_token,omitempty"`

	AccessExpiry time.Time `json:"access_expiry,omitempty"`
	ClaimsExpiry time.Time `json:"claims_expiry,omitempty"`

	// ClaimsBoundTo records which access token the claims token was derived
	// from; claims encode access-token-bound permissions and must be
	// re-derived after every refresh.
	ClaimsBoundTo string `json:"claims_bound_to,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ExpiryOf reads the exp claim of a JWT without verifying its signature.
// Best-effort only: the issuer is a trusted first party reached over TLS, and
// the source behavior never validates signatures either. Do not grow this
// into token validation.
func ExpiryOf(tok string) (time.Time, error) {
	parser := &jwt.Parser{}
	parsed, _, err := parser.ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("token: parse: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, fmt.Errorf("token: unexpected claims type")
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), nil
	case int64:
		return time.Unix(exp, 0), nil
	default:
		return time.Time{}, fmt.Errorf("token: no exp claim")
	}
}

// Stale reports whether tok is expired or expires within margin. Tokens that
// cannot be parsed count as stale, which forces a refresh instead of a
// guaranteed 401 upstream.
func Stale(tok string, margin time.Duration, now time.Time) bool {
	if tok == "" {
		return true
	}
	exp, err := ExpiryOf(tok)
	if err != nil {
		return true
	}
	return !now.Add(margin).Before(exp)
}

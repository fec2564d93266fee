package token

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ottrelay/ott-relay/internal/apiclient"
)

// Mode selects which login exchange a provider uses.
type Mode string

const (
	// ModeROPC: settings fetch → password grant → refresh/access tokens →
	// claims exchange (CBC Gem shape).
	ModeROPC Mode = "ropc"
	// ModeSession: credential login → session token → JWT exchange
	// (TF1/Gigya shape). No refresh token; going stale forces a re-login.
	ModeSession Mode = "session"
)

// AuthConfig parameterizes a provider's multi-step login. One config object
// replaces per-provider authenticator code.
type AuthConfig struct {
	Mode Mode

	// ROPC mode
	SettingsURL   string // returns identityManagement.ropc {url, scopes}
	ClientID      string
	ScopeFallback string // used when the settings payload omits scopes

	// Session mode
	LoginURL        string // credential POST, yields sessionInfo.sessionToken
	APIKey          string // site key sent with the credential POST
	SessionTokenURL string // exchanges session token for a bearer JWT

	// Claims exchange (optional; Bearer-authenticated)
	ClaimsURL   string
	ClaimsField string // response field carrying the claims token

	// Headers for authenticated content calls.
	Referer      string
	Origin       string
	ClaimsHeader string // e.g. "x-claims-token"; empty = claims token unused
}

// Credential is an immutable provider login.
type Credential struct {
	Username string
	Password string
}

// AuthError marks which login step failed. The state machine reverts to
// unauthenticated when it surfaces.
type AuthError struct {
	Step string // settings | login | refresh | claims
	Err  error
}

func (e *AuthError) Error() string { return "auth " + e.Step + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ropcSettings is the cached output of the settings endpoint.
type ropcSettings struct {
	AuthURL string
	Scope   string
}

func fetchROPCSettings(ctx context.Context, api *apiclient.Client, cfg *AuthConfig) (*ropcSettings, error) {
	res, err := api.Call(ctx, apiclient.Request{
		URL:    cfg.SettingsURL,
		Params: url.Values{"device": {"web"}},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("settings endpoint: status %d after %d attempts", res.StatusCode, res.Attempts)
	}
	ropc := apiclient.Dig(res.Body, "identityManagement", "ropc")
	s := &ropcSettings{
		AuthURL: apiclient.DigString(ropc, "url"),
		Scope:   apiclient.DigString(ropc, "scopes"),
	}
	if s.AuthURL == "" {
		return nil, fmt.Errorf("settings payload missing ropc url")
	}
	if s.Scope == "" {
		s.Scope = cfg.ScopeFallback
	}
	return s, nil
}

// oauthGrant runs one ROPC token-endpoint call (password or refresh grant)
// and builds the resulting TokenSet. Expiries come from the JWTs themselves;
// expires_in is only a fallback.
func oauthGrant(ctx context.Context, api *apiclient.Client, cfg *AuthConfig, settings *ropcSettings, grant url.Values, now time.Time) (*TokenSet, error) {
	form := url.Values{
		"client_id": {cfg.ClientID},
		"scope":     {settings.Scope},
	}
	for k, vs := range grant {
		form[k] = vs
	}
	res, err := api.Call(ctx, apiclient.Request{
		Method: "POST",
		URL:    settings.AuthURL,
		Form:   form,
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode == 400 {
		msg := apiclient.DigString(res.Body, "error_description")
		if msg == "" {
			msg = "invalid credentials"
		}
		return nil, fmt.Errorf("rejected: %s", msg)
	}
	if !res.OK() {
		return nil, fmt.Errorf("token endpoint: status %d after %d attempts", res.StatusCode, res.Attempts)
	}
	set := &TokenSet{
		Refresh:   apiclient.DigString(res.Body, "refresh_token"),
		Access:    apiclient.DigString(res.Body, "access_token"),
		UpdatedAt: now,
	}
	if set.Access == "" {
		return nil, fmt.Errorf("token endpoint: no access_token in response")
	}
	if exp, err := ExpiryOf(set.Access); err == nil {
		set.AccessExpiry = exp
	} else if n, ok := apiclient.DigInt(res.Body, "expires_in"); ok {
		set.AccessExpiry = now.Add(time.Duration(n) * time.Second)
	}
	return set, nil
}

// sessionLogin runs the Gigya-style exchange: credentials → session token →
// bearer JWT. The JWT lands in TokenSet.Access; there is no refresh token.
func sessionLogin(ctx context.Context, api *apiclient.Client, cfg *AuthConfig, cred Credential, now time.Time) (*TokenSet, error) {
	res, err := api.Call(ctx, apiclient.Request{
		Method: "POST",
		URL:    cfg.LoginURL,
		Form: url.Values{
			"loginID":  {cred.Username},
			"password": {cred.Password},
			"apiKey":   {cfg.APIKey},
			"format":   {"json"},
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("login endpoint: status %d after %d attempts", res.StatusCode, res.Attempts)
	}
	sessionToken := apiclient.DigString(res.Body, "sessionInfo", "sessionToken")
	if sessionToken == "" {
		sessionToken = apiclient.DigString(res.Body, "sessionInfo", "cookieValue")
	}
	if sessionToken == "" {
		return nil, fmt.Errorf("login response missing session token")
	}

	res, err = api.Call(ctx, apiclient.Request{
		Method: "POST",
		URL:    cfg.SessionTokenURL,
		JSON: map[string]string{
			"login_token": sessionToken,
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("session exchange: status %d after %d attempts", res.StatusCode, res.Attempts)
	}
	jwtToken := apiclient.DigString(res.Body, "token")
	if jwtToken == "" {
		return nil, fmt.Errorf("session exchange missing token")
	}
	set := &TokenSet{Access: jwtToken, UpdatedAt: now}
	if exp, err := ExpiryOf(jwtToken); err == nil {
		set.AccessExpiry = exp
	}
	return set, nil
}

// fetchClaims exchanges a valid access token for a claims token.
func fetchClaims(ctx context.Context, api *apiclient.Client, cfg *AuthConfig, access string) (string, time.Time, int, error) {
	res, err := api.Call(ctx, apiclient.Request{
		URL:    cfg.ClaimsURL,
		Params: url.Values{"device": {"web"}},
		Headers: map[string]string{
			"Authorization": "Bearer " + access,
		},
	})
	if err != nil {
		return "", time.Time{}, 0, err
	}
	if res.StatusCode == 401 {
		return "", time.Time{}, res.StatusCode, fmt.Errorf("access token rejected")
	}
	if !res.OK() {
		return "", time.Time{}, res.StatusCode, fmt.Errorf("claims endpoint: status %d after %d attempts", res.StatusCode, res.Attempts)
	}
	field := cfg.ClaimsField
	if field == "" {
		field = "claimsToken"
	}
	claims := apiclient.DigString(res.Body, field)
	if claims == "" {
		return "", time.Time{}, res.StatusCode, fmt.Errorf("no %s in claims response", field)
	}
	exp, _ := ExpiryOf(claims)
	return claims, exp, res.StatusCode, nil
}

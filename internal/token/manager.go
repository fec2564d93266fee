package token

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ottrelay/ott-relay/internal/apiclient"
)

// Health is the diagnostic view of one provider's token state.
type Health struct {
	Authenticated bool          `json:"authenticated"`
	TokenAge      time.Duration `json:"token_age"`
}

// Manager runs the per-provider token lifecycle:
// Unauthenticated → LoggingIn → HasAccessToken → HasClaimsToken, with a
// refresh path whenever expiry is detected. At most one login/refresh is in
// flight per provider; concurrent requests join it instead of issuing their
// own (singleflight).
type Manager struct {
	api    *apiclient.Client
	store  Store
	margin time.Duration
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	providers map[string]*providerState
}

type providerState struct {
	cfg  *AuthConfig
	cred Credential

	mu     sync.Mutex
	set    *TokenSet
	loaded bool // store lookup done
}

// NewManager builds a Manager over the given API client and store.
func NewManager(api *apiclient.Client, store Store, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Manager{
		api:       api,
		store:     store,
		margin:    margin,
		now:       time.Now,
		providers: map[string]*providerState{},
	}
}

// Register wires a provider's auth config and credential. Providers without
// authentication are simply never registered.
func (m *Manager) Register(providerID string, cfg *AuthConfig, cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[providerID] = &providerState{cfg: cfg, cred: cred}
}

func (m *Manager) state(providerID string) (*providerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("token: provider %q not registered", providerID)
	}
	return st, nil
}

// snapshot returns the current TokenSet copy, loading persisted state on
// first touch. The lock is held only for the read, never across network I/O.
func (m *Manager) snapshot(st *providerState, providerID string) *TokenSet {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		st.loaded = true
		if set, err := m.store.Load(providerID); err != nil {
			log.Printf("token: load %s: %v", providerID, err)
		} else if set != nil {
			st.set = set
		}
	}
	if st.set == nil {
		return nil
	}
	cp := *st.set
	return &cp
}

func (m *Manager) commit(st *providerState, providerID string, set *TokenSet) {
	st.mu.Lock()
	st.set = set
	st.mu.Unlock()
	if set == nil {
		if err := m.store.Delete(providerID); err != nil {
			log.Printf("token: delete %s: %v", providerID, err)
		}
		return
	}
	if err := m.store.Save(providerID, set); err != nil {
		log.Printf("token: save %s: %v", providerID, err)
	}
}

// Login forces a fresh credential exchange for the provider and persists the
// resulting TokenSet.
func (m *Manager) Login(ctx context.Context, providerID string) (*TokenSet, error) {
	st, err := m.state(providerID)
	if err != nil {
		return nil, err
	}
	v, err, _ := m.group.Do("login:"+providerID, func() (any, error) {
		return m.login(ctx, st, providerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

func (m *Manager) login(ctx context.Context, st *providerState, providerID string) (*TokenSet, error) {
	now := m.now()
	var set *TokenSet
	switch st.cfg.Mode {
	case ModeSession:
		s, err := sessionLogin(ctx, m.api, st.cfg, st.cred, now)
		if err != nil {
			m.commit(st, providerID, nil)
			return nil, &AuthError{Step: "login", Err: err}
		}
		set = s
	default: // ModeROPC
		settings, err := fetchROPCSettings(ctx, m.api, st.cfg)
		if err != nil {
			m.commit(st, providerID, nil)
			return nil, &AuthError{Step: "settings", Err: err}
		}
		s, err := oauthGrant(ctx, m.api, st.cfg, settings, url.Values{
			"grant_type": {"password"},
			"username":   {st.cred.Username},
			"password":   {st.cred.Password},
		}, now)
		if err != nil {
			m.commit(st, providerID, nil)
			return nil, &AuthError{Step: "login", Err: err}
		}
		set = s
	}
	m.commit(st, providerID, set)
	log.Printf("token: %s: fresh login ok (access expires %s)", providerID, set.AccessExpiry.Format(time.RFC3339))
	return set, nil
}

// AccessToken returns a non-expired access token, refreshing or re-logging-in
// first when needed. It never returns a token inside the expiry margin.
func (m *Manager) AccessToken(ctx context.Context, providerID string) (string, error) {
	st, err := m.state(providerID)
	if err != nil {
		return "", err
	}
	set := m.snapshot(st, providerID)
	if set != nil && !Stale(set.Access, m.margin, m.now()) {
		return set.Access, nil
	}

	// Expired (or absent): one refresh flight per provider; latecomers wait
	// for the same result instead of issuing their own.
	v, err, _ := m.group.Do("refresh:"+providerID, func() (any, error) {
		return m.refresh(ctx, st, providerID)
	})
	if err != nil {
		return "", err
	}
	return v.(*TokenSet).Access, nil
}

func (m *Manager) refresh(ctx context.Context, st *providerState, providerID string) (*TokenSet, error) {
	// Another waiter may have refreshed while we queued for the flight.
	set := m.snapshot(st, providerID)
	now := m.now()
	if set != nil && !Stale(set.Access, m.margin, now) {
		return set, nil
	}

	if st.cfg.Mode == ModeROPC && set != nil && set.Refresh != "" && !Stale(set.Refresh, 0, now) {
		settings, err := fetchROPCSettings(ctx, m.api, st.cfg)
		if err != nil {
			return nil, &AuthError{Step: "settings", Err: err}
		}
		fresh, err := oauthGrant(ctx, m.api, st.cfg, settings, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {set.Refresh},
		}, now)
		if err == nil {
			// A refresh grant may omit the rotated refresh token; keep the old one.
			if fresh.Refresh == "" {
				fresh.Refresh = set.Refresh
			}
			m.commit(st, providerID, fresh)
			refreshTotal.WithLabelValues(providerID, "refresh").Inc()
			return fresh, nil
		}
		// Refresh failed: the whole set is garbage. Discard and re-login.
		log.Printf("token: %s: refresh failed (%v), discarding token set", providerID, err)
		m.commit(st, providerID, nil)
	}

	fresh, err := m.login(ctx, st, providerID)
	if err != nil {
		return nil, err
	}
	refreshTotal.WithLabelValues(providerID, "login").Inc()
	return fresh, nil
}

// ClaimsToken returns a claims token bound to the current access token,
// re-deriving it whenever the access token changed or the claims token went
// stale.
func (m *Manager) ClaimsToken(ctx context.Context, providerID string) (string, error) {
	st, err := m.state(providerID)
	if err != nil {
		return "", err
	}
	if st.cfg.ClaimsURL == "" {
		return "", fmt.Errorf("token: provider %q has no claims endpoint", providerID)
	}
	access, err := m.AccessToken(ctx, providerID)
	if err != nil {
		return "", err
	}
	set := m.snapshot(st, providerID)
	if set != nil && set.Claims != "" && set.ClaimsBoundTo == access && !Stale(set.Claims, m.margin, m.now()) {
		return set.Claims, nil
	}

	v, err, _ := m.group.Do("claims:"+providerID, func() (any, error) {
		set := m.snapshot(st, providerID)
		if set == nil || set.Access == "" {
			return nil, &AuthError{Step: "claims", Err: fmt.Errorf("no access token")}
		}
		// Bind to the live access token even if it moved under us.
		access = set.Access
		claims, exp, status, err := fetchClaims(ctx, m.api, st.cfg, access)
		if err != nil {
			if status == 401 {
				// Access token is no good despite its exp claim. Discard so the
				// next request re-runs the full login.
				m.commit(st, providerID, nil)
			}
			return nil, &AuthError{Step: "claims", Err: err}
		}
		set.Claims = claims
		set.ClaimsExpiry = exp
		set.ClaimsBoundTo = access
		set.UpdatedAt = m.now()
		m.commit(st, providerID, set)
		return claims, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvalidateClaims drops the cached claims token so the next call re-derives
// it. Used when a content endpoint rejects the current claims token.
func (m *Manager) InvalidateClaims(providerID string) {
	st, err := m.state(providerID)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.set != nil {
		st.set.Claims = ""
		st.set.ClaimsBoundTo = ""
	}
}

// AuthHeaders returns the header set for authenticated content calls:
// browser identity plus whichever token header the provider expects.
func (m *Manager) AuthHeaders(ctx context.Context, providerID string) (map[string]string, error) {
	st, err := m.state(providerID)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if st.cfg.Referer != "" {
		headers["Referer"] = st.cfg.Referer
	}
	if st.cfg.Origin != "" {
		headers["Origin"] = st.cfg.Origin
	}
	if st.cfg.ClaimsHeader != "" {
		claims, err := m.ClaimsToken(ctx, providerID)
		if err != nil {
			return nil, err
		}
		headers[st.cfg.ClaimsHeader] = claims
		return headers, nil
	}
	access, err := m.AccessToken(ctx, providerID)
	if err != nil {
		return nil, err
	}
	headers["Authorization"] = "Bearer " + access
	return headers, nil
}

// Health reports whether the provider currently holds a usable access token
// and how old the token set is.
func (m *Manager) Health(providerID string) Health {
	st, err := m.state(providerID)
	if err != nil {
		return Health{}
	}
	set := m.snapshot(st, providerID)
	if set == nil {
		return Health{}
	}
	h := Health{Authenticated: !Stale(set.Access, m.margin, m.now())}
	if !set.UpdatedAt.IsZero() {
		h.TokenAge = m.now().Sub(set.UpdatedAt)
	}
	return h
}

// Logout discards a provider's tokens in memory and in the store.
func (m *Manager) Logout(providerID string) {
	st, err := m.state(providerID)
	if err != nil {
		return
	}
	m.commit(st, providerID, nil)
}

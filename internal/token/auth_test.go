package token

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// Session-mode login: credential POST yields a session token, which a second
// exchange turns into a bearer JWT. No refresh token exists in this mode.
func TestSessionLogin(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts.login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("loginID") != "bob" || r.PostFormValue("apiKey") != "site-key-1" {
			json.NewEncoder(w).Encode(map[string]any{"errorCode": 403042})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessionInfo": map[string]string{"sessionToken": "session-abc"},
		})
	})
	mux.HandleFunc("/token/web", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"login_token":"session-abc"`) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"token": makeJWT(t, time.Now().Add(90*time.Minute)),
		})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cfg := &AuthConfig{
		Mode:            ModeSession,
		LoginURL:        srv.URL + "/accounts.login",
		APIKey:          "site-key-1",
		SessionTokenURL: srv.URL + "/token/web",
		Referer:         "https://tv.example/",
	}
	m := NewManager(newTestClient(t, srv), NewMemStore(), 5*time.Minute)
	m.Register("mytf1", cfg, Credential{Username: "bob", Password: "pw"})

	ctx := context.Background()
	set, err := m.Login(ctx, "mytf1")
	if err != nil {
		t.Fatal(err)
	}
	if set.Access == "" {
		t.Fatal("no access token from session login")
	}
	if set.Refresh != "" {
		t.Errorf("session mode produced a refresh token: %q", set.Refresh)
	}
	if set.AccessExpiry.IsZero() {
		t.Errorf("expiry not read from JWT")
	}

	headers, err := m.AuthHeaders(ctx, "mytf1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(headers["Authorization"], "Bearer ") {
		t.Errorf("Authorization = %q, want Bearer token", headers["Authorization"])
	}
}

func TestSessionLoginMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Gigya-style soft failure: 200 with an error payload.
		json.NewEncoder(w).Encode(map[string]any{"errorCode": 403042, "errorMessage": "invalid login"})
	}))
	defer srv.Close()

	cfg := &AuthConfig{
		Mode:            ModeSession,
		LoginURL:        srv.URL,
		SessionTokenURL: srv.URL,
	}
	m := NewManager(newTestClient(t, srv), NewMemStore(), 5*time.Minute)
	m.Register("mytf1", cfg, Credential{Username: "bob", Password: "pw"})

	if _, err := m.Login(context.Background(), "mytf1"); err == nil {
		t.Fatal("login succeeded without a session token in the response")
	}
}

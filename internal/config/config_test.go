package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"OTT_RELAY_LISTEN", "OTT_RELAY_CALL_MAX_ATTEMPTS", "OTT_RELAY_CALL_TIMEOUT",
		"OTT_RELAY_PROXY_FORWARD_HEADERS", "OTT_RELAY_PROXY_FALLBACK_STATUS",
	} {
		t.Setenv(key, "")
	}
	c := Load()
	if c.ListenAddr != ":7860" {
		t.Errorf("ListenAddr = %q", c.ListenAddr)
	}
	if c.CallMaxAttempts != 3 || c.CallTimeout != 15*time.Second {
		t.Errorf("call policy = %d attempts, %s timeout", c.CallMaxAttempts, c.CallTimeout)
	}
	if len(c.ProxyFallbackStatus) != 2 || c.ProxyFallbackStatus[0] != 403 {
		t.Errorf("ProxyFallbackStatus = %v", c.ProxyFallbackStatus)
	}
	if !c.ProxyForwardHeaders {
		t.Error("header forwarding off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OTT_RELAY_LISTEN", ":9999")
	t.Setenv("OTT_RELAY_CALL_MAX_ATTEMPTS", "5")
	t.Setenv("OTT_RELAY_CALL_TIMEOUT", "3s")
	t.Setenv("OTT_RELAY_PROXY_FORWARD_HEADERS", "false")
	t.Setenv("OTT_RELAY_PROXY_FALLBACK_STATUS", "429, 502")

	c := Load()
	if c.ListenAddr != ":9999" || c.CallMaxAttempts != 5 || c.CallTimeout != 3*time.Second {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.ProxyForwardHeaders {
		t.Error("ProxyForwardHeaders override ignored")
	}
	if len(c.ProxyFallbackStatus) != 2 || c.ProxyFallbackStatus[0] != 429 || c.ProxyFallbackStatus[1] != 502 {
		t.Errorf("ProxyFallbackStatus = %v", c.ProxyFallbackStatus)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("OTT_RELAY_CALL_MAX_ATTEMPTS", "lots")
	t.Setenv("OTT_RELAY_CALL_TIMEOUT", "soon")
	t.Setenv("OTT_RELAY_PROXY_FALLBACK_STATUS", "403,nope")

	c := Load()
	if c.CallMaxAttempts != 3 || c.CallTimeout != 15*time.Second {
		t.Errorf("bad values not defaulted: %+v", c)
	}
	if len(c.ProxyFallbackStatus) != 2 || c.ProxyFallbackStatus[0] != 403 || c.ProxyFallbackStatus[1] != 451 {
		t.Errorf("ProxyFallbackStatus = %v", c.ProxyFallbackStatus)
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	data := `{
		"providers": {
			"cbc":   {"username": "alice@example.com", "password": "s3cret"},
			"sixplay": {"username": "bob@example.com", "password": "pw", "api_key": "3_abc"}
		},
		"proxies": {"fr": "https://relay.example/fr"}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	cred, ok := c.Provider("cbc")
	if !ok || cred.Username != "alice@example.com" {
		t.Errorf("cbc = %+v, %v", cred, ok)
	}
	if cred, _ := c.Provider("sixplay"); cred.APIKey != "3_abc" {
		t.Errorf("sixplay api key = %q", cred.APIKey)
	}
	if _, ok := c.Provider("nosuch"); ok {
		t.Error("unknown provider reported present")
	}
	if c.Proxy("fr") != "https://relay.example/fr" {
		t.Errorf("proxy fr = %q", c.Proxy("fr"))
	}
	if c.Proxy("de") != "" {
		t.Errorf("proxy de = %q", c.Proxy("de"))
	}
}

func TestCredentialsEnvOverride(t *testing.T) {
	c, err := LoadCredentials("")
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("OTT_RELAY_MYTF1_USERNAME", "env@example.com")
	t.Setenv("OTT_RELAY_MYTF1_PASSWORD", "envpw")
	t.Setenv("PROXY_FR", "https://env-relay.example/fr")

	cred, ok := c.Provider("mytf1")
	if !ok || cred.Username != "env@example.com" || cred.Password != "envpw" {
		t.Errorf("env credential = %+v, %v", cred, ok)
	}
	if c.Proxy("fr") != "https://env-relay.example/fr" {
		t.Errorf("env proxy = %q", c.Proxy("fr"))
	}
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	c, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Providers) != 0 {
		t.Errorf("providers = %v", c.Providers)
	}
}

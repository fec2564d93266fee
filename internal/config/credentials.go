package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential is an immutable per-provider login. Never mutated after load.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"api_key,omitempty"`
}

// Credentials is the parsed credentials file: provider logins plus named
// outbound proxies (e.g. a geo egress per country).
type Credentials struct {
	Providers map[string]Credential `json:"providers"`
	Proxies   map[string]string     `json:"proxies"`
}

// LoadCredentials reads the credentials JSON file. A missing file yields an
// empty set (unauthenticated providers still work).
func LoadCredentials(path string) (*Credentials, error) {
	c := &Credentials{
		Providers: map[string]Credential{},
		Proxies:   map[string]string{},
	}
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("credentials: %w", err)
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}
	if c.Providers == nil {
		c.Providers = map[string]Credential{}
	}
	if c.Proxies == nil {
		c.Proxies = map[string]string{}
	}
	return c, nil
}

// Provider returns the credential for a provider id. Environment variables win
// over the file: OTT_RELAY_<ID>_USERNAME / OTT_RELAY_<ID>_PASSWORD.
func (c *Credentials) Provider(id string) (Credential, bool) {
	cred := c.Providers[id]
	prefix := "OTT_RELAY_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	if v := os.Getenv(prefix + "_USERNAME"); v != "" {
		cred.Username = v
	}
	if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
		cred.Password = v
	}
	return cred, cred.Username != "" || cred.APIKey != ""
}

// Proxy returns a named outbound proxy URL. Environment variable
// PROXY_<UPPERCASE_NAME> wins over the file entry.
func (c *Credentials) Proxy(name string) string {
	if v := os.Getenv("PROXY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))); v != "" {
		return v
	}
	return c.Proxies[name]
}

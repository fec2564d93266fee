package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds resolver + proxy + DRM settings.
// Load from env; call LoadDotEnv(".env") first to use a .env file.
type Config struct {
	// HTTP route layer
	ListenAddr string // e.g. :7860

	// Credentials file holding per-provider logins and proxy settings.
	CredentialsFile string

	// Media proxy (consumed as a black box; see internal/proxyurl for the contract).
	ProxyBaseURL        string
	ProxyPassword       string
	ProxyForwardHeaders bool // when false, h_* params are omitted for player compatibility

	// Status codes on an authenticated call that are worth falling back from
	// proxy-routed to direct (and vice versa). Knob, not a hardcoded threshold.
	ProxyFallbackStatus []int

	// Persistence
	TokenDBPath  string // sqlite token cache, survives restarts
	FallbackPath string // static per-item fallback descriptors (JSON)

	// DRM
	DeviceProfilePath string // Widevine device profile (.wvd)

	// Background remux of DRM-protected items. Empty command disables it.
	RemuxDir     string
	RemuxCommand string

	// Outbound call policy
	CallTimeout     time.Duration
	CallMaxAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration

	// Tokens expiring within this margin are treated as already expired.
	TokenExpiryMargin time.Duration
}

// LoadDotEnv loads KEY=value pairs from path into the environment.
// A missing file is not an error; .env stays out of git.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		ListenAddr:          getEnv("OTT_RELAY_LISTEN", ":7860"),
		CredentialsFile:     getEnv("OTT_RELAY_CREDENTIALS_FILE", "credentials.json"),
		ProxyBaseURL:        os.Getenv("OTT_RELAY_PROXY_URL"),
		ProxyPassword:       os.Getenv("OTT_RELAY_PROXY_PASSWORD"),
		ProxyForwardHeaders: getEnvBool("OTT_RELAY_PROXY_FORWARD_HEADERS", true),
		ProxyFallbackStatus: getEnvIntList("OTT_RELAY_PROXY_FALLBACK_STATUS", []int{403, 451}),
		TokenDBPath:         getEnv("OTT_RELAY_TOKEN_DB", "./tokens.db"),
		FallbackPath:        getEnv("OTT_RELAY_FALLBACKS", "./fallbacks.json"),
		DeviceProfilePath:   os.Getenv("OTT_RELAY_DEVICE_PROFILE"),
		RemuxDir:            os.Getenv("OTT_RELAY_REMUX_DIR"),
		RemuxCommand:        os.Getenv("OTT_RELAY_REMUX_COMMAND"),
		CallTimeout:         getEnvDuration("OTT_RELAY_CALL_TIMEOUT", 15*time.Second),
		CallMaxAttempts:     getEnvInt("OTT_RELAY_CALL_MAX_ATTEMPTS", 3),
		BackoffBase:         getEnvDuration("OTT_RELAY_BACKOFF_BASE", 1*time.Second),
		BackoffCap:          getEnvDuration("OTT_RELAY_BACKOFF_CAP", 30*time.Second),
		TokenExpiryMargin:   getEnvDuration("OTT_RELAY_TOKEN_MARGIN", 5*time.Minute),
	}
	if c.CallMaxAttempts <= 0 {
		c.CallMaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvIntList parses a comma-separated list of ints (e.g. "403,451").
func getEnvIntList(key string, defaultVal []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	out := make([]int, 0, 4)
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return defaultVal
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

package drm

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ottrelay/ott-relay/internal/apiclient"
)

// Engine runs the key extraction flow: manifest fetch, PSSH discovery,
// challenge build, license exchange, key decryption. A nil device is a valid
// configuration for providers that only ever serve clear content.
type Engine struct {
	api *apiclient.Client
	dev *Device
	now func() time.Time
}

func NewEngine(api *apiclient.Client, dev *Device) *Engine {
	return &Engine{api: api, dev: dev, now: time.Now}
}

// HasDevice reports whether a device identity is loaded.
func (e *Engine) HasDevice() bool { return e.dev != nil }

// ExtractKeys fetches manifestURL, and when the content is Widevine-protected
// runs the license exchange against licenseURL. headers accompany both the
// manifest fetch and the license request; manifest CDNs gate on the same
// session headers as the license server. Clear content returns (nil, nil).
func (e *Engine) ExtractKeys(ctx context.Context, manifestURL, licenseURL string, headers map[string]string) ([]ContentKey, error) {
	status, manifest, err := e.api.Fetch(ctx, http.MethodGet, manifestURL, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("drm: fetch manifest: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("drm: manifest fetch returned %d", status)
	}

	pssh, protected, err := FindPSSH(manifest)
	if err != nil {
		return nil, err
	}
	if !protected {
		return nil, nil
	}
	if e.dev == nil {
		return nil, &ConfigError{Reason: "content is protected but no device profile is loaded"}
	}
	if licenseURL == "" {
		return nil, &ConfigError{Reason: "content is protected but no license URL is configured"}
	}

	requestID := make([]byte, 16)
	if _, err := rand.Read(requestID); err != nil {
		return nil, fmt.Errorf("drm: request id: %w", err)
	}
	ch, err := buildChallenge(e.dev, pssh, requestID, e.now())
	if err != nil {
		return nil, err
	}

	licHeaders := map[string]string{"Content-Type": "application/octet-stream"}
	for k, v := range headers {
		licHeaders[k] = v
	}
	status, body, err := e.api.Fetch(ctx, http.MethodPost, licenseURL, licHeaders, ch.Signed)
	if err != nil {
		return nil, fmt.Errorf("drm: license exchange: %w", err)
	}
	if status != http.StatusOK {
		msg := apiclient.Preview(body)
		return nil, &DeniedError{Status: status, Message: msg}
	}

	keys, err := parseLicense(e.dev, ch, body)
	if err != nil {
		return nil, err
	}
	log.Printf("drm: extracted %d content key(s) for %s", len(keys), manifestURL)
	return keys, nil
}

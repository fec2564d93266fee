package proxyurl

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ViewerIPHeader is the transport-level header the route layer sets so the
// media proxy sees the viewer's address rather than ours. The builder never
// embeds viewer IPs in URLs.
const ViewerIPHeader = "X-Forwarded-For"

// Directive describes what the media proxy must do for one stream.
type Directive struct {
	UpstreamURL       string
	Headers           map[string]string // forwarded as h_* params
	ForceSegmentProxy bool              // route every segment, not just the playlist
	LicenseURL        string
	LicenseHeaders    map[string]string // forwarded as license_h_* params
	Extra             map[string]string // e.g. ClearKey key_id/key
}

// Builder assembles media proxy URLs. The query contract is the proxy's:
// url, api_password, h_<lowered-header>, force_playlist_proxy, license_url,
// license_h_<lowered-header>, plus free-form extras.
type Builder struct {
	Base           string // proxy endpoint, e.g. https://proxy.example/proxy/hls/manifest.m3u8
	Password       string
	ForwardHeaders bool // when false, h_* and license_h_* are omitted entirely
}

// Build renders the proxy URL for d. Output is deterministic: url.Values
// encoding sorts keys, so equal directives produce byte-equal URLs.
func (b *Builder) Build(d Directive) (string, error) {
	if !isHTTPOrHTTPS(b.Base) {
		return "", fmt.Errorf("proxyurl: bad proxy base %q", b.Base)
	}
	if !isHTTPOrHTTPS(d.UpstreamURL) {
		return "", fmt.Errorf("proxyurl: bad upstream %q", d.UpstreamURL)
	}

	q := url.Values{}
	q.Set("url", d.UpstreamURL)
	if b.Password != "" {
		q.Set("api_password", b.Password)
	}
	if d.ForceSegmentProxy {
		q.Set("force_playlist_proxy", "true")
	}
	if d.LicenseURL != "" {
		if !isHTTPOrHTTPS(d.LicenseURL) {
			return "", fmt.Errorf("proxyurl: bad license url %q", d.LicenseURL)
		}
		q.Set("license_url", d.LicenseURL)
	}
	if b.ForwardHeaders {
		addHeaderParams(q, "h_", d.Headers)
		if d.LicenseURL != "" {
			addHeaderParams(q, "license_h_", d.LicenseHeaders)
		}
	}
	for k, v := range d.Extra {
		q.Set(k, v)
	}

	base, err := url.Parse(b.Base)
	if err != nil {
		return "", fmt.Errorf("proxyurl: parse base: %w", err)
	}
	// merge with any params baked into the base
	merged := base.Query()
	for k, vs := range q {
		merged[k] = vs
	}
	base.RawQuery = merged.Encode()
	return base.String(), nil
}

// addHeaderParams lowers header names before prefixing; the proxy matches
// them case-sensitively. Sorted for deterministic duplicate resolution.
func addHeaderParams(q url.Values, prefix string, headers map[string]string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q.Set(prefix+strings.ToLower(name), headers[name])
	}
}

// isHTTPOrHTTPS rejects file://, ftp://, and other schemes that could reach
// local files or internal services through the proxy.
func isHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

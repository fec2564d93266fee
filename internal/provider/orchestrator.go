package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/ottrelay/ott-relay/internal/apiclient"
	"github.com/ottrelay/ott-relay/internal/drm"
	"github.com/ottrelay/ott-relay/internal/fallback"
	"github.com/ottrelay/ott-relay/internal/proxyurl"
	"github.com/ottrelay/ott-relay/internal/remux"
	"github.com/ottrelay/ott-relay/internal/token"
)

// StreamDescriptor is the route layer's answer: where to play from and how.
type StreamDescriptor struct {
	ItemID       string            `json:"item_id"`
	Provider     string            `json:"provider"`
	URL          string            `json:"url"` // playback URL, proxied unless cached
	UpstreamURL  string            `json:"upstream_url,omitempty"`
	ManifestKind ManifestKind      `json:"manifest_kind"`
	Headers      map[string]string `json:"headers,omitempty"`
	ContentKeys  []string          `json:"content_keys,omitempty"` // kid:key hex pairs
	LicenseURL   string            `json:"license_url,omitempty"`
	IsFallback   bool              `json:"is_fallback,omitempty"`
	FromCache    bool              `json:"from_cache,omitempty"`
}

// Health is one provider's diagnostic view for the route layer.
type Health struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
	token.Health
}

// Orchestrator runs the resolution flow for every registered profile. It owns
// no provider specifics; those live in Profile values.
type Orchestrator struct {
	api      *apiclient.Client
	tokens   *token.Manager
	drm      *drm.Engine
	fb       *fallback.Store
	remux    *remux.Queue
	proxy    *proxyurl.Builder
	registry *Registry

	// Named egress proxies (geo relays) and the status codes that make a
	// relayed call fall back to a direct one.
	geoProxies         map[string]string
	proxyFallbackCodes []int
}

// SetGeoProxies configures named egress relays and the fallback status list.
func (o *Orchestrator) SetGeoProxies(proxies map[string]string, fallbackCodes []int) {
	o.geoProxies = proxies
	o.proxyFallbackCodes = fallbackCodes
}

func NewOrchestrator(api *apiclient.Client, tokens *token.Manager, engine *drm.Engine, fb *fallback.Store, rq *remux.Queue, proxy *proxyurl.Builder, registry *Registry) *Orchestrator {
	return &Orchestrator{api: api, tokens: tokens, drm: engine, fb: fb, remux: rq, proxy: proxy, registry: registry}
}

// Resolve turns an item ID into a playable descriptor: cached artifact if one
// exists, otherwise the full flow of auth, stream info, DRM, and proxy URL.
// Upstream unavailability degrades to the fallback store; deliberate denials
// (geo, entitlement) never do.
func (o *Orchestrator) Resolve(ctx context.Context, itemID string) (*StreamDescriptor, error) {
	providerID, channelID, err := SplitItemID(itemID)
	if err != nil {
		return nil, &NotFoundError{ItemID: itemID}
	}
	p, ok := o.registry.Get(providerID)
	if !ok {
		return nil, &NotFoundError{ItemID: itemID}
	}

	if o.remux != nil {
		if _, err := o.remux.Lookup(itemID); err == nil {
			resolutionsTotal.WithLabelValues(providerID, "cached").Inc()
			return &StreamDescriptor{
				ItemID:       itemID,
				Provider:     providerID,
				URL:          ArtifactRoute + url.PathEscape(itemID),
				ManifestKind: KindFile,
				FromCache:    true,
			}, nil
		}
	}

	desc, err := o.resolveLive(ctx, p, itemID, channelID, true)
	if err == nil {
		resolutionsTotal.WithLabelValues(providerID, "ok").Inc()
		return desc, nil
	}

	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		if fb, ok := o.lookupFallback(itemID, providerID); ok {
			log.Printf("provider: %s: upstream unavailable (%v), serving fallback", itemID, unavailable.Err)
			resolutionsTotal.WithLabelValues(providerID, "fallback").Inc()
			return fb, nil
		}
		resolutionsTotal.WithLabelValues(providerID, "unavailable").Inc()
		unavailable.Provider = providerID
		return nil, unavailable
	}
	resolutionsTotal.WithLabelValues(providerID, "denied").Inc()
	return nil, err
}

// UnavailableError wraps transport or decode exhaustion: the class of failure
// a fallback stream may mask. The route layer matches it by type, never by
// message text.
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Provider != "" {
		return e.Provider + " unavailable: " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (o *Orchestrator) resolveLive(ctx context.Context, p *Profile, itemID, channelID string, retryAuth bool) (*StreamDescriptor, error) {
	var headers map[string]string
	if p.RequiresAuth {
		h, err := o.tokens.AuthHeaders(ctx, p.ID)
		if err != nil {
			var authErr *token.AuthError
			if errors.As(err, &authErr) {
				return nil, &RestrictedError{Code: RestrictAuth, Provider: p.ID, Message: err.Error()}
			}
			return nil, err
		}
		headers = h
	}

	infoURL, params := p.StreamInfoURL(channelID)
	res, err := o.streamInfo(ctx, p, infoURL, params, headers)
	if err != nil {
		return nil, err
	}
	if res.ParseErr != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("stream info after %d attempts: %w", res.Attempts, res.ParseErr)}
	}

	if len(p.ErrorCodePath) > 0 {
		if code, ok := apiclient.DigInt(res.Body, p.ErrorCodePath...); ok && !codeOK(code, p.ErrorCodesOK) {
			restriction, mapped := p.ErrorCodes[code]
			switch {
			case mapped && restriction == RestrictAuth && retryAuth:
				// Stale claims look like an entitlement failure. Invalidate and
				// give the flow one more chance with fresh tokens.
				log.Printf("provider: %s: upstream code %d, retrying once with fresh claims", itemID, code)
				o.tokens.InvalidateClaims(p.ID)
				return o.resolveLive(ctx, p, itemID, channelID, false)
			case mapped:
				return nil, &RestrictedError{Code: restriction, Provider: p.ID, Message: upstreamMessage(res.Body, code)}
			default:
				return nil, fmt.Errorf("%s: upstream error code %d: %s", p.ID, code, upstreamMessage(res.Body, code))
			}
		}
	}

	info, err := p.ExtractStream(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.ID, err)
	}
	variant, ok := ChooseVariant(info.Variants)
	if !ok {
		return nil, fmt.Errorf("%s: no playable variant", p.ID)
	}

	upstream := variant.URL
	if p.URLExchange != nil {
		upstream, err = o.exchangeURL(ctx, p, upstream)
		if err != nil {
			return nil, &UnavailableError{Err: err}
		}
	}
	kind := variant.Kind
	if kind == KindUnknown {
		kind = DetectManifestKind(upstream)
	}

	licenseURL := info.LicenseURL
	if licenseURL == "" {
		licenseURL = p.License.URL
	}

	desc := &StreamDescriptor{
		ItemID:       itemID,
		Provider:     p.ID,
		UpstreamURL:  upstream,
		ManifestKind: kind,
		Headers:      headers,
		LicenseURL:   licenseURL,
	}

	var keys []drm.ContentKey
	if o.drm != nil && (kind == KindDASH || kind == KindMSS) {
		keys, err = o.drm.ExtractKeys(ctx, upstream, licenseURL, headers)
		if err != nil {
			var denied *drm.DeniedError
			if errors.As(err, &denied) {
				return nil, &RestrictedError{Code: RestrictDRM, Provider: p.ID, Message: denied.Error()}
			}
			return nil, err
		}
		for _, k := range keys {
			desc.ContentKeys = append(desc.ContentKeys, k.HexPair())
		}
	}

	proxied, err := o.buildProxyURL(desc, p, keys)
	if err != nil {
		return nil, err
	}
	desc.URL = proxied

	if o.remux != nil && len(keys) > 0 {
		o.remux.Enqueue(itemID, upstream, headers, keys)
	}
	return desc, nil
}

// streamInfo performs the stream-info call, going through the profile's geo
// relay first when one is configured. A relayed call that fails outright or
// lands on a configured fallback status retries directly: the relay is an
// optimization, not a dependency.
func (o *Orchestrator) streamInfo(ctx context.Context, p *Profile, infoURL string, params url.Values, headers map[string]string) (apiclient.Result, error) {
	direct := apiclient.Request{URL: infoURL, Params: params, Headers: headers}
	relay := ""
	if p.GeoProxyName != "" {
		relay = o.geoProxies[p.GeoProxyName]
	}
	if relay == "" {
		return o.api.Call(ctx, direct)
	}

	full := infoURL
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	res, err := o.api.Call(ctx, apiclient.Request{
		URL:     relay,
		Params:  url.Values{"url": {full}},
		Headers: headers,
	})
	if err == nil && res.ParseErr == nil && !statusIn(res.StatusCode, o.proxyFallbackCodes) {
		return res, nil
	}
	log.Printf("provider: %s: geo relay %s unusable (status %d), calling direct", p.ID, p.GeoProxyName, res.StatusCode)
	return o.api.Call(ctx, direct)
}

func statusIn(status int, codes []int) bool {
	for _, c := range codes {
		if status == c {
			return true
		}
	}
	return false
}

// exchangeURL swaps a catalog URL for a tokenized playable one.
func (o *Orchestrator) exchangeURL(ctx context.Context, p *Profile, rawURL string) (string, error) {
	res, err := o.api.Call(ctx, apiclient.Request{
		URL:    p.URLExchange.Endpoint,
		Params: url.Values{"format": {"json"}, p.URLExchange.Param: {rawURL}},
	})
	if err != nil {
		return "", err
	}
	if res.ParseErr != nil {
		return "", fmt.Errorf("url exchange after %d attempts: %w", res.Attempts, res.ParseErr)
	}
	u := apiclient.DigString(res.Body, p.URLExchange.ResponseField)
	if u == "" {
		return "", fmt.Errorf("url exchange returned no %s", p.URLExchange.ResponseField)
	}
	return u, nil
}

func (o *Orchestrator) buildProxyURL(desc *StreamDescriptor, p *Profile, keys []drm.ContentKey) (string, error) {
	d := proxyurl.Directive{
		UpstreamURL:       desc.UpstreamURL,
		Headers:           desc.Headers,
		ForceSegmentProxy: p.License.ForceSegmentProxy,
	}
	if len(keys) > 0 {
		// With keys in hand the proxy decrypts locally; no license forwarding.
		d.Extra = map[string]string{
			"key_id": fmt.Sprintf("%x", keys[0].ID),
			"key":    fmt.Sprintf("%x", keys[0].Key),
		}
	} else if desc.LicenseURL != "" && (desc.ManifestKind == KindDASH || desc.ManifestKind == KindMSS) {
		d.LicenseURL = desc.LicenseURL
		d.LicenseHeaders = desc.Headers
	}
	return o.proxy.Build(d)
}

func (o *Orchestrator) lookupFallback(itemID, providerID string) (*StreamDescriptor, bool) {
	if o.fb == nil {
		return nil, false
	}
	entry, ok := o.fb.Lookup(itemID)
	if !ok {
		return nil, false
	}
	kind := ManifestKind(entry.Kind)
	if kind == "" {
		kind = DetectManifestKind(entry.URL)
	}
	proxied, err := o.proxy.Build(proxyurl.Directive{UpstreamURL: entry.URL, Headers: entry.Headers})
	if err != nil {
		log.Printf("provider: fallback for %s unusable: %v", itemID, err)
		return nil, false
	}
	return &StreamDescriptor{
		ItemID:       itemID,
		Provider:     providerID,
		URL:          proxied,
		UpstreamURL:  entry.URL,
		ManifestKind: kind,
		Headers:      entry.Headers,
		IsFallback:   true,
	}, true
}

// ArtifactRoute is the route-layer path prefix that serves finished remux
// artifacts. Cached descriptors carry URLs under it instead of local paths.
const ArtifactRoute = "/artifacts/"

// ArtifactPath returns the local file behind a cached descriptor's URL, for
// the route layer to serve. No artifact means NotFoundError.
func (o *Orchestrator) ArtifactPath(itemID string) (string, error) {
	if o.remux == nil {
		return "", &NotFoundError{ItemID: itemID}
	}
	path, err := o.remux.Lookup(itemID)
	if err != nil {
		return "", &NotFoundError{ItemID: itemID}
	}
	return path, nil
}

// Health reports the token state for one provider.
func (o *Orchestrator) Health(providerID string) (Health, error) {
	p, ok := o.registry.Get(providerID)
	if !ok {
		return Health{}, &NotFoundError{ItemID: providerID}
	}
	h := Health{Provider: p.ID, DisplayName: p.DisplayName}
	if p.RequiresAuth {
		h.Health = o.tokens.Health(p.ID)
	} else {
		h.Authenticated = true // nothing to authenticate
	}
	return h, nil
}

// Providers lists registered profile IDs.
func (o *Orchestrator) Providers() []string { return o.registry.IDs() }

func codeOK(code int, ok []int) bool {
	if len(ok) == 0 {
		return code == 0
	}
	for _, c := range ok {
		if code == c {
			return true
		}
	}
	return false
}

func upstreamMessage(body any, code int) string {
	for _, field := range []string{"message", "error", "errorMessage"} {
		if msg := apiclient.DigString(body, field); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("code %d", code)
}

package provider

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/ottrelay/ott-relay/internal/token"
)

// ManifestKind classifies the stream packaging so the proxy builder picks the
// right endpoint and the DRM engine knows whether to look for a PSSH.
type ManifestKind string

const (
	KindHLS     ManifestKind = "hls"
	KindDASH    ManifestKind = "dash"
	KindMSS     ManifestKind = "mss"
	KindFile    ManifestKind = "file"
	KindUnknown ManifestKind = "unknown"
)

// DetectManifestKind classifies a stream URL by its path extension. Query
// strings and fragments are ignored.
func DetectManifestKind(rawURL string) ManifestKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindUnknown
	}
	p := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(p, ".m3u8"), strings.HasSuffix(p, ".m3u"):
		return KindHLS
	case strings.HasSuffix(p, ".mpd"):
		return KindDASH
	case strings.Contains(p, ".ism"):
		return KindMSS
	case strings.HasSuffix(p, ".mp4"), strings.HasSuffix(p, ".ts"):
		return KindFile
	}
	return KindUnknown
}

// Variant is one playback option a provider's stream-info payload offers.
type Variant struct {
	URL   string
	Kind  ManifestKind
	Label string // upstream quality tag, e.g. "best", "hd"
}

// ChooseVariant picks the variant to play: an upstream "best" tag wins, then
// HLS over DASH over the rest (HLS needs no license round-trip), then input
// order for stability.
func ChooseVariant(variants []Variant) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}
	ranked := make([]Variant, len(variants))
	copy(ranked, variants)
	sort.SliceStable(ranked, func(i, j int) bool {
		return variantRank(ranked[i]) > variantRank(ranked[j])
	})
	return ranked[0], true
}

func variantRank(v Variant) int {
	if strings.EqualFold(v.Label, "best") {
		return 100
	}
	switch v.Kind {
	case KindHLS:
		return 3
	case KindDASH:
		return 2
	case KindMSS:
		return 1
	}
	return 0
}

// Restriction is a stable error class surfaced to the route layer.
type Restriction string

const (
	RestrictGeo  Restriction = "geo_restricted"
	RestrictAuth Restriction = "auth_required"
	RestrictDRM  Restriction = "drm_denied"
)

// RestrictedError is a deliberate upstream denial. It is never masked by a
// fallback stream: a geo block means the viewer may not watch, not that the
// provider is down.
type RestrictedError struct {
	Code     Restriction
	Provider string
	Message  string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Code, e.Message)
}

// NotFoundError marks an item ID that no registered profile serves.
type NotFoundError struct{ ItemID string }

func (e *NotFoundError) Error() string { return "unknown item " + e.ItemID }

// LicenseConfig describes a profile's Widevine license endpoint. URL may be
// empty when the payload carries the license URL per stream.
type LicenseConfig struct {
	URL               string
	ForceSegmentProxy bool // route segments through the proxy (key-rotating streams)
}

// StreamInfo is what a profile extracts from its stream-info payload.
type StreamInfo struct {
	Variants   []Variant
	LicenseURL string // overrides LicenseConfig.URL when set
}

// Profile parameterizes one provider: endpoints, auth shape, payload layout,
// and error-code vocabulary. One orchestrator serves every profile; adding a
// provider means adding a Profile value, not a code path.
type Profile struct {
	ID          string
	DisplayName string

	RequiresAuth bool
	Auth         *token.AuthConfig

	// StreamInfoURL renders the stream-info endpoint for a channel.
	StreamInfoURL func(channelID string) (string, url.Values)

	// ErrorCodePath locates the numeric upstream error code in the payload
	// (nil = provider does not use error codes). ErrorCodesOK lists codes
	// that mean success; everything else is a failure.
	ErrorCodePath []string
	ErrorCodesOK  []int
	// ErrorCodes maps failing upstream codes to restrictions. The auth
	// restriction gets one claims-invalidation retry before surfacing.
	ErrorCodes map[int]Restriction

	// ExtractStream pulls variants (and an optional license URL) out of a
	// decoded stream-info payload.
	ExtractStream func(body any) (StreamInfo, error)

	// URLExchange, when set, swaps the extracted URL for a tokenized one via
	// a second call: GET Endpoint?format=json&<Param>=<url>, read ResponseField.
	URLExchange *URLExchange

	// GeoProxyName selects a named egress proxy for the stream-info call.
	// The provider fences by caller IP, so the call goes out through an
	// in-region relay first and falls back to a direct call.
	GeoProxyName string

	License LicenseConfig
}

// URLExchange describes a tokenizer endpoint for providers whose catalog URLs
// are not directly playable.
type URLExchange struct {
	Endpoint      string
	Param         string
	ResponseField string
}

// Registry holds the configured profiles.
type Registry struct {
	profiles map[string]*Profile
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{profiles: map[string]*Profile{}}
}

func (r *Registry) Add(p *Profile) {
	if _, dup := r.profiles[p.ID]; !dup {
		r.order = append(r.order, p.ID)
	}
	r.profiles[p.ID] = p
}

func (r *Registry) Get(id string) (*Profile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// IDs returns profile IDs in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SplitItemID parses "provider:channel". Channel IDs may themselves contain
// colons, so only the first separator splits.
func SplitItemID(itemID string) (providerID, channelID string, err error) {
	providerID, channelID, ok := strings.Cut(itemID, ":")
	if !ok || providerID == "" || channelID == "" {
		return "", "", fmt.Errorf("bad item id %q (want provider:channel)", itemID)
	}
	return providerID, channelID, nil
}

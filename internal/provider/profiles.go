package provider

import (
	"fmt"
	"net/url"

	"github.com/ottrelay/ott-relay/internal/apiclient"
	"github.com/ottrelay/ott-relay/internal/token"
)

// Built-in profiles. Endpoints and error-code vocabularies are the providers'
// own; credentials and site keys come from configuration at registration.

// DefaultRegistry returns the registry with every built-in profile.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(cbcProfile())
	r.Add(mytf1Profile())
	r.Add(sixplayProfile())
	r.Add(francetvProfile())
	return r
}

// cbcProfile: CBC Gem. ROPC login against the settings-discovered token
// endpoint, claims token on content calls, numeric errorCode in the
// validation payload (1 = geo fence, 35 = claims rejected).
func cbcProfile() *Profile {
	return &Profile{
		ID:           "cbc",
		DisplayName:  "CBC Gem",
		RequiresAuth: true,
		Auth: &token.AuthConfig{
			Mode:          token.ModeROPC,
			SettingsURL:   "https://services.radio-canada.ca/ott/catalog/v1/gem/settings",
			ClientID:      "fc05b0ee-3865-4400-a3cc-3da82c330c23",
			ScopeFallback: "openid offline_access https://rcmnb.onmicrosoft.com/ott/media-validation.read",
			ClaimsURL:     "https://services.radio-canada.ca/ott/subscription/v2/gem/Subscriber/profile",
			ClaimsField:   "claimsToken",
			ClaimsHeader:  "x-claims-token",
			Referer:       "https://gem.cbc.ca/",
			Origin:        "https://gem.cbc.ca",
		},
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return "https://services.radio-canada.ca/media/validation/v2/", url.Values{
				"appCode":         {"gem"},
				"connectionType":  {"hd"},
				"deviceType":      {"ipad"},
				"multibitrate":    {"true"},
				"output":          {"json"},
				"tech":            {"hls"},
				"manifestVersion": {"2"},
				"manifestType":    {"desktop"},
				"idMedia":         {channelID},
			}
		},
		ErrorCodePath: []string{"errorCode"},
		ErrorCodesOK:  []int{0},
		ErrorCodes: map[int]Restriction{
			1:  RestrictGeo,
			35: RestrictAuth,
		},
		ExtractStream: func(body any) (StreamInfo, error) {
			u := apiclient.DigString(body, "url")
			if u == "" {
				return StreamInfo{}, fmt.Errorf("validation payload has no url")
			}
			return StreamInfo{Variants: []Variant{{URL: u, Kind: DetectManifestKind(u)}}}, nil
		},
		// Gem rotates HLS keys mid-stream; every segment goes through the proxy.
		License: LicenseConfig{ForceSegmentProxy: true},
	}
}

// mytf1Profile: TF1. Gigya session login exchanged for a bearer JWT, delivery
// object with a numeric code (200 = play, 403 = not entitled), per-stream
// Widevine license URL in delivery.drms.
func mytf1Profile() *Profile {
	return &Profile{
		ID:           "mytf1",
		DisplayName:  "MYTF1",
		RequiresAuth: true,
		Auth: &token.AuthConfig{
			Mode:            token.ModeSession,
			LoginURL:        "https://compte.tf1.fr/accounts.login",
			APIKey:          "3_hWgJdARhz_7l1oOp3a8BDLoR9cuWZpUaKG4aqF7gum9_iK3uTZ2VlDBl8ANf8FVk",
			SessionTokenURL: "https://www.tf1.fr/token/gigya/web",
			Referer:         "https://www.tf1.fr/programmes-tv",
			Origin:          "https://www.tf1.fr",
		},
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return "https://mediainfo.tf1.fr/mediainfocombo/" + url.PathEscape(channelID), url.Values{
				"context":       {"MYTF1"},
				"pver":          {"5029000"},
				"platform":      {"web"},
				"device":        {"desktop"},
				"os":            {"windows"},
				"osVersion":     {"10.0"},
				"topDomain":     {"www.tf1.fr"},
				"playerVersion": {"5.29.0"},
				"productName":   {"mytf1"},
				"format":        {"hls,dash"},
			}
		},
		GeoProxyName:  "fr",
		ErrorCodePath: []string{"delivery", "code"},
		ErrorCodesOK:  []int{200},
		ErrorCodes: map[int]Restriction{
			403: RestrictAuth,
			451: RestrictGeo,
		},
		ExtractStream: func(body any) (StreamInfo, error) {
			delivery := apiclient.Dig(body, "delivery")
			u := apiclient.DigString(delivery, "url")
			if u == "" {
				return StreamInfo{}, fmt.Errorf("delivery payload has no url")
			}
			info := StreamInfo{Variants: []Variant{{URL: u, Kind: DetectManifestKind(u)}}}
			if drms := apiclient.DigSlice(delivery, "drms"); len(drms) > 0 {
				info.LicenseURL = apiclient.DigString(drms[0], "url")
			}
			return info, nil
		},
		License: LicenseConfig{URL: "https://drm-wide.tf1.fr/proxy"},
	}
}

// sixplayProfile: 6play. Gigya login like TF1 but a different account realm;
// the site key is account-scoped, so it must come from credentials. Live
// payloads list assets per packaging, licenses go through drmtoday.
func sixplayProfile() *Profile {
	return &Profile{
		ID:           "sixplay",
		DisplayName:  "6play",
		RequiresAuth: true,
		GeoProxyName: "fr",
		Auth: &token.AuthConfig{
			Mode:            token.ModeSession,
			LoginURL:        "https://login.6play.fr/accounts.login",
			SessionTokenURL: "https://6cloud.fr/v1/customers/m6web/platforms/m6group_web/services/6play/users",
			Referer:         "https://www.6play.fr/",
			Origin:          "https://www.6play.fr",
		},
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return "https://android.middleware.6play.fr/6play/v2/platforms/m6group_androidmob/services/6play/live", url.Values{
				"channel": {channelID},
				"with":    {"service_display_images,nextdiffusion,extra_data"},
			}
		},
		ExtractStream: func(body any) (StreamInfo, error) {
			// payload shape: {"<channel>": [{"live": {"assets": [...]}}]}
			var info StreamInfo
			m, ok := body.(map[string]any)
			if !ok {
				return StreamInfo{}, fmt.Errorf("unexpected live payload shape")
			}
			for _, v := range m {
				for _, entry := range apiclient.DigSlice(v) {
					assets := apiclient.DigSlice(entry, "live", "assets")
					for _, asset := range assets {
						u := apiclient.DigString(asset, "full_physical_path")
						if u == "" {
							continue
						}
						info.Variants = append(info.Variants, Variant{
							URL:   u,
							Kind:  DetectManifestKind(u),
							Label: apiclient.DigString(asset, "type"),
						})
					}
				}
			}
			if len(info.Variants) == 0 {
				return StreamInfo{}, fmt.Errorf("live payload has no assets")
			}
			return info, nil
		},
		License: LicenseConfig{URL: "https://lic.drmtoday.com/license-proxy-widevine/cenc/"},
	}
}

// francetvProfile: france.tv. No login; the k7 catalog call yields a raw
// stream URL that must be exchanged for a tokenized one.
func francetvProfile() *Profile {
	return &Profile{
		ID:          "francetv",
		DisplayName: "france.tv",
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return "https://k7.ftven.fr/videos/" + url.PathEscape(channelID), url.Values{
				"country_code": {"FR"},
				"domain":       {"www.france.tv"},
				"device_type":  {"desktop"},
				"browser":      {"chrome"},
			}
		},
		ExtractStream: func(body any) (StreamInfo, error) {
			video := apiclient.Dig(body, "video")
			u := apiclient.DigString(video, "url")
			if u == "" {
				return StreamInfo{}, fmt.Errorf("video payload has no url")
			}
			kind := DetectManifestKind(u)
			if f := apiclient.DigString(video, "format"); kind == KindUnknown && f != "" {
				kind = ManifestKind(f)
			}
			return StreamInfo{Variants: []Variant{{URL: u, Kind: kind}}}, nil
		},
		URLExchange: &URLExchange{
			Endpoint:      "https://hdfauth.ftven.fr/esi/TA",
			Param:         "url",
			ResponseField: "url",
		},
	}
}

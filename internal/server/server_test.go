package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ottrelay/ott-relay/internal/apiclient"
	"github.com/ottrelay/ott-relay/internal/provider"
	"github.com/ottrelay/ott-relay/internal/proxyurl"
	"github.com/ottrelay/ott-relay/internal/remux"
	"github.com/ottrelay/ott-relay/internal/token"
)

// newTestServer wires a server over one credential-less profile whose
// upstream behavior is keyed by channel ID.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("channel") {
		case "ok":
			json.NewEncoder(w).Encode(map[string]any{"errorCode": 0, "url": "https://cdn.example/live/master.m3u8"})
		case "geo":
			json.NewEncoder(w).Encode(map[string]any{"errorCode": 1, "message": "not available in your region"})
		case "entitle":
			json.NewEncoder(w).Encode(map[string]any{"errorCode": 35, "message": "subscription required"})
		case "echo-ip":
			json.NewEncoder(w).Encode(map[string]any{
				"errorCode": 0,
				"url":       "https://cdn.example/" + url.PathEscape(r.Header.Get("X-Forwarded-For")) + "/live.m3u8",
			})
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	t.Cleanup(upstream.Close)

	api := apiclient.New(upstream.Client(), apiclient.Policy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	tokens := token.NewManager(api, token.NewMemStore(), time.Minute)

	registry := provider.NewRegistry()
	registry.Add(&provider.Profile{
		ID:          "demo",
		DisplayName: "Demo TV",
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return upstream.URL + "/info", url.Values{"channel": {channelID}}
		},
		ErrorCodePath: []string{"errorCode"},
		ErrorCodesOK:  []int{0},
		ErrorCodes:    map[int]provider.Restriction{1: provider.RestrictGeo, 35: provider.RestrictAuth},
		ExtractStream: func(body any) (provider.StreamInfo, error) {
			u := apiclient.DigString(body, "url")
			if u == "" {
				return provider.StreamInfo{}, fmt.Errorf("no url")
			}
			return provider.StreamInfo{Variants: []provider.Variant{{URL: u, Kind: provider.KindHLS}}}, nil
		},
	})
	proxy := &proxyurl.Builder{Base: "https://proxy.example/p", ForwardHeaders: true}
	orch := provider.NewOrchestrator(api, tokens, nil, nil, nil, proxy, registry)

	srv := httptest.NewServer(New(orch, tokens).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, rawURL string, out any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", rawURL, err)
		}
	}
	return resp.StatusCode
}

func TestStreamEndpointSuccess(t *testing.T) {
	srv := newTestServer(t)

	var desc provider.StreamDescriptor
	if status := getJSON(t, srv.URL+"/stream/demo:ok", &desc); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if desc.ItemID != "demo:ok" || desc.ManifestKind != provider.KindHLS {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.UpstreamURL != "https://cdn.example/live/master.m3u8" {
		t.Errorf("upstream = %q", desc.UpstreamURL)
	}
}

func TestStreamEndpointErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		item    string
		status  int
		errorID string
	}{
		{"demo:geo", http.StatusUnavailableForLegalReasons, "geo_restricted"},
		{"demo:entitle", http.StatusUnauthorized, "auth_required"},
		{"demo:down", http.StatusBadGateway, "upstream_unavailable"},
		{"nosuch:ch", http.StatusNotFound, "not_found"},
		{"malformed", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		var body errorBody
		if status := getJSON(t, srv.URL+"/stream/"+tc.item, &body); status != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.item, status, tc.status)
		}
		if body.Error != tc.errorID {
			t.Errorf("%s: error = %q, want %q", tc.item, body.Error, tc.errorID)
		}
		if body.Item != tc.item {
			t.Errorf("%s: item = %q", tc.item, body.Item)
		}
	}
}

// The viewer's address must reach upstream calls as X-Forwarded-For.
func TestViewerIPForwarded(t *testing.T) {
	srv := newTestServer(t)

	var desc provider.StreamDescriptor
	if status := getJSON(t, srv.URL+"/stream/demo:echo-ip", &desc); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if desc.UpstreamURL != "https://cdn.example/127.0.0.1/live.m3u8" {
		t.Errorf("viewer ip not forwarded: upstream = %q", desc.UpstreamURL)
	}
}

func TestHealthzAndProviders(t *testing.T) {
	srv := newTestServer(t)

	var ok map[string]string
	if status := getJSON(t, srv.URL+"/healthz", &ok); status != http.StatusOK || ok["status"] != "ok" {
		t.Fatalf("healthz = %d %v", status, ok)
	}

	var list []provider.Health
	if status := getJSON(t, srv.URL+"/providers", &list); status != http.StatusOK {
		t.Fatalf("providers status = %d", status)
	}
	if len(list) != 1 || list[0].Provider != "demo" {
		t.Fatalf("providers = %+v", list)
	}
	// credential-less profiles report healthy
	if !list[0].Authenticated {
		t.Error("demo not authenticated")
	}

	var h provider.Health
	if status := getJSON(t, srv.URL+"/providers/demo/health", &h); status != http.StatusOK || h.Provider != "demo" {
		t.Fatalf("health = %d %+v", status, h)
	}
	var body errorBody
	if status := getJSON(t, srv.URL+"/providers/nosuch/health", &body); status != http.StatusNotFound {
		t.Errorf("unknown provider health status = %d", status)
	}
}

// Unavailability is a type, not a substring: a message that merely contains
// the word must not ride the 502 path.
func TestWriteErrorClassifiesByType(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, "cbc:123", fmt.Errorf("cbc: upstream error code 5: Service temporarily unavailable"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("plain error status = %d, want 500", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "internal" {
		t.Errorf("error id = %q, want internal", body.Error)
	}

	rec = httptest.NewRecorder()
	writeError(rec, "cbc:123", &provider.UnavailableError{Provider: "cbc", Err: fmt.Errorf("stream info after 3 attempts")})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("typed error status = %d, want 502", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "upstream_unavailable" {
		t.Errorf("error id = %q, want upstream_unavailable", body.Error)
	}
}

// Cached descriptors point at the artifact route, and the route serves the
// file a media client can actually fetch.
func TestArtifactRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("stream info called despite cached artifact")
	}))
	t.Cleanup(upstream.Close)

	api := apiclient.New(upstream.Client(), apiclient.Policy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	tokens := token.NewManager(api, token.NewMemStore(), time.Minute)

	registry := provider.NewRegistry()
	registry.Add(&provider.Profile{
		ID:          "demo",
		DisplayName: "Demo TV",
		StreamInfoURL: func(channelID string) (string, url.Values) {
			return upstream.URL + "/info", nil
		},
		ExtractStream: func(body any) (provider.StreamInfo, error) {
			return provider.StreamInfo{}, fmt.Errorf("unused")
		},
	})

	dir := t.TempDir()
	rq := remux.NewQueue(dir, "")
	t.Cleanup(rq.Close)
	if err := os.WriteFile(filepath.Join(dir, "demo_ch1.mp4"), []byte("mp4 bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	proxy := &proxyurl.Builder{Base: "https://proxy.example/p"}
	orch := provider.NewOrchestrator(api, tokens, nil, nil, rq, proxy, registry)
	srv := httptest.NewServer(New(orch, tokens).Handler())
	t.Cleanup(srv.Close)

	var desc provider.StreamDescriptor
	if status := getJSON(t, srv.URL+"/stream/demo:ch1", &desc); status != http.StatusOK {
		t.Fatalf("stream status = %d", status)
	}
	if !desc.FromCache || desc.URL != provider.ArtifactRoute+"demo:ch1" {
		t.Fatalf("descriptor = %+v", desc)
	}

	resp, err := http.Get(srv.URL + desc.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(got) != "mp4 bytes" {
		t.Fatalf("artifact fetch = %d %q", resp.StatusCode, got)
	}

	resp, err = http.Get(srv.URL + provider.ArtifactRoute + "demo:other")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing artifact status = %d", resp.StatusCode)
	}
}

func TestLoginUnknownProvider(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/providers/nosuch/login", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/providers/demo/logout", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("logout status = %d", resp.StatusCode)
	}
}

package drm

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ottrelay/ott-relay/internal/apiclient"
)

func testAPI(t *testing.T, srv *httptest.Server) *apiclient.Client {
	t.Helper()
	return apiclient.New(srv.Client(), apiclient.Policy{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
}

func TestExtractKeysClearContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"><Period/></MPD>`))
	}))
	defer srv.Close()

	e := NewEngine(testAPI(t, srv), nil)
	keys, err := e.ExtractKeys(context.Background(), srv.URL+"/clear.mpd", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if keys != nil {
		t.Errorf("clear content produced keys: %v", keys)
	}
}

// Manifest CDNs gate on the same session headers as the license server, so
// the manifest fetch must carry them too.
func TestExtractKeysManifestAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-claims-token") != "claims-abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"><Period/></MPD>`))
	}))
	defer srv.Close()

	e := NewEngine(testAPI(t, srv), nil)
	headers := map[string]string{"x-claims-token": "claims-abc", "Referer": "https://watch.example/"}
	keys, err := e.ExtractKeys(context.Background(), srv.URL+"/gated.mpd", "", headers)
	if err != nil {
		t.Fatal(err)
	}
	if keys != nil {
		t.Errorf("clear content produced keys: %v", keys)
	}

	if _, err := e.ExtractKeys(context.Background(), srv.URL+"/gated.mpd", "", nil); err == nil {
		t.Error("headerless fetch against a gated manifest succeeded")
	}
}

func TestExtractKeysProtectedWithoutDevice(t *testing.T) {
	var sysID [16]byte
	copy(sysID[:], WidevineSystemID[:])
	box := buildBox(0, sysID, nil, widevinePayload(bytes.Repeat([]byte{0x33}, 16)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(manifestWith(base64.StdEncoding.EncodeToString(box)))
	}))
	defer srv.Close()

	e := NewEngine(testAPI(t, srv), nil)
	_, err := e.ExtractKeys(context.Background(), srv.URL+"/p.mpd", srv.URL+"/license", nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestExtractKeysLicenseDenied(t *testing.T) {
	var sysID [16]byte
	copy(sysID[:], WidevineSystemID[:])
	box := buildBox(0, sysID, nil, widevinePayload(bytes.Repeat([]byte{0x33}, 16)))

	mux := http.NewServeMux()
	mux.HandleFunc("/p.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write(manifestWith(base64.StdEncoding.EncodeToString(box)))
	})
	mux.HandleFunc("/license", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("device revoked"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewEngine(testAPI(t, srv), testDevice(t))
	_, err := e.ExtractKeys(context.Background(), srv.URL+"/p.mpd", srv.URL+"/license", nil)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Status != http.StatusForbidden {
		t.Errorf("status = %d", denied.Status)
	}
}

func TestExtractKeysFullExchange(t *testing.T) {
	dev := testDevice(t)
	kid := bytes.Repeat([]byte{0x7E}, 16)
	contentKey := bytes.Repeat([]byte{0xC0}, 16)
	var sysID [16]byte
	copy(sysID[:], WidevineSystemID[:])
	box := buildBox(0, sysID, nil, widevinePayload(kid))

	mux := http.NewServeMux()
	mux.HandleFunc("/p.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write(manifestWith(base64.StdEncoding.EncodeToString(box)))
	})
	mux.HandleFunc("/license", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-dt-auth-token") != "lic-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, req, _ := consumeSigned(t, body)
		if len(req) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ch := &challenge{Request: req}
		w.Write(fakeLicense(t, dev, ch, []ContentKey{{ID: kid, Key: contentKey}}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewEngine(testAPI(t, srv), dev)
	keys, err := e.ExtractKeys(context.Background(), srv.URL+"/p.mpd", srv.URL+"/license",
		map[string]string{"x-dt-auth-token": "lic-token"})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0].ID, kid) || !bytes.Equal(keys[0].Key, contentKey) {
		t.Fatalf("keys = %v", keys)
	}
}

func TestParseDeviceProfile(t *testing.T) {
	dev := testDevice(t)
	der := x509.MarshalPKCS1PrivateKey(dev.Key)

	var raw bytes.Buffer
	raw.WriteString("WVD")
	raw.WriteByte(2)                 // version
	raw.WriteByte(1)                 // type
	raw.WriteByte(3)                 // security level
	raw.WriteByte(0)                 // flags
	binary.Write(&raw, binary.BigEndian, uint16(len(der)))
	raw.Write(der)
	binary.Write(&raw, binary.BigEndian, uint16(len(dev.ClientID)))
	raw.Write(dev.ClientID)

	parsed, err := parseDevice(raw.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.ClientID, dev.ClientID) {
		t.Errorf("client id mismatch")
	}
	if parsed.Key.N.Cmp(dev.Key.N) != 0 {
		t.Errorf("key mismatch")
	}
	if parsed.SecurityLevel != 3 {
		t.Errorf("security level = %d", parsed.SecurityLevel)
	}
}

func TestParseDeviceRejects(t *testing.T) {
	var cfgErr *ConfigError
	for _, raw := range [][]byte{
		nil,
		[]byte("XVD\x02aaaaaaaaaaaa"),
		[]byte("WVD\x01aaaaaaaaaaaa"), // unsupported version
	} {
		_, err := parseDevice(raw)
		if !errors.As(err, &cfgErr) {
			t.Errorf("parseDevice(%q) err = %v, want ConfigError", raw, err)
		}
	}
}

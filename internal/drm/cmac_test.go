package drm

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// RFC 4493 section 4 test vectors.
func TestAESCMACVectors(t *testing.T) {
	key := unhex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	msg := unhex(t, "6bc1bee22e409f96e93d7e117393172a"+
		"ae2d8a571e03ac9c9eb76fac45af8e51"+
		"30c81c46a35ce411e5fbc1191a0a52ef"+
		"f69f2445df4f9b17ad2b417be66c3710")

	cases := []struct {
		name    string
		msgLen  int
		wantHex string
	}{
		{"empty", 0, "bb1d6929e95937287fa37d129b756746"},
		{"one block", 16, "070a16b46b4d4144f79bdd9dd04a287c"},
		{"40 bytes", 40, "dfa66747de9ae63030ca32611497c827"},
		{"four blocks", 64, "51f0bebf7e3b9d92fc49741779363cfe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mac, err := aesCMAC(key, msg[:tc.msgLen])
			if err != nil {
				t.Fatal(err)
			}
			if want := unhex(t, tc.wantHex); !bytes.Equal(mac, want) {
				t.Errorf("mac = %x, want %x", mac, want)
			}
		})
	}
}

func TestAESCMACBadKey(t *testing.T) {
	if _, err := aesCMAC([]byte("short"), nil); err == nil {
		t.Error("expected error for non-AES key size")
	}
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

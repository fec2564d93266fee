package drm

import "testing"

func TestParseClearKey(t *testing.T) {
	pair := "000102030405060708090a0b0c0d0e0f:f0e0d0c0b0a090807060504030201000"
	k, err := ParseClearKey(pair)
	if err != nil {
		t.Fatal(err)
	}
	if k.HexPair() != pair {
		t.Errorf("roundtrip = %q", k.HexPair())
	}

	for _, bad := range []string{"", "nohex:zzzz", "abcd", "0102:0304"} {
		if _, err := ParseClearKey(bad); err == nil {
			t.Errorf("ParseClearKey(%q) succeeded", bad)
		}
	}
}

func TestHexToBase64URL(t *testing.T) {
	got, err := HexToBase64URL("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatal(err)
	}
	if got != "AAECAwQFBgcICQoLDA0ODw" {
		t.Errorf("got %q", got)
	}
	if _, err := HexToBase64URL("zz"); err == nil {
		t.Error("bad hex accepted")
	}
}

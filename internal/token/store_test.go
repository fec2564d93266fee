package token

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if set, err := s.Load("cbc"); err != nil || set != nil {
		t.Fatalf("Load on empty store = %v, %v; want nil, nil", set, err)
	}

	now := time.Now().Truncate(time.Second)
	in := &TokenSet{
		Refresh:       "refresh-1",
		Access:        "access-1",
		Claims:        "claims-1",
		AccessExpiry:  now.Add(time.Hour),
		ClaimsExpiry:  now.Add(2 * time.Hour),
		ClaimsBoundTo: "access-1",
		UpdatedAt:     now,
	}
	if err := s.Save("cbc", in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load("cbc")
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Fatal("Load returned nil after Save")
	}
	if out.Refresh != in.Refresh || out.Access != in.Access || out.Claims != in.Claims || out.ClaimsBoundTo != in.ClaimsBoundTo {
		t.Errorf("loaded set %+v != saved %+v", out, in)
	}
	if !out.AccessExpiry.Equal(in.AccessExpiry) || !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Errorf("timestamps drifted: %v vs %v", out.AccessExpiry, in.AccessExpiry)
	}

	// Upsert replaces in place.
	in.Access = "access-2"
	if err := s.Save("cbc", in); err != nil {
		t.Fatal(err)
	}
	out, _ = s.Load("cbc")
	if out.Access != "access-2" {
		t.Errorf("upsert did not replace: %q", out.Access)
	}

	if err := s.Delete("cbc"); err != nil {
		t.Fatal(err)
	}
	if out, _ := s.Load("cbc"); out != nil {
		t.Errorf("Load after Delete = %+v, want nil", out)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("mytf1", &TokenSet{Access: "persisted"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	out, err := s2.Load("mytf1")
	if err != nil || out == nil || out.Access != "persisted" {
		t.Fatalf("after reopen: %+v, %v", out, err)
	}
}

package token

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists TokenSets per provider so sessions survive process restarts.
// Loaded at startup, saved after every successful mutation.
type Store interface {
	Load(providerID string) (*TokenSet, error)
	Save(providerID string, set *TokenSet) error
	Delete(providerID string) error
	Close() error
}

// SQLiteStore keeps tokens in a single sqlite file keyed by provider id.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the token database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("token store: open %s: %w", path, err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
		provider        TEXT PRIMARY KEY,
		refresh_token   TEXT NOT NULL DEFAULT '',
		access_token    TEXT NOT NULL DEFAULT '',
		claims_token    TEXT NOT NULL DEFAULT '',
		access_expiry   INTEGER NOT NULL DEFAULT 0,
		claims_expiry   INTEGER NOT NULL DEFAULT 0,
		claims_bound_to TEXT NOT NULL DEFAULT '',
		updated_at      INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("token store: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(providerID string) (*TokenSet, error) {
	row := s.db.QueryRow(`SELECT refresh_token, access_token, claims_token,
		access_expiry, claims_expiry, claims_bound_to, updated_at
		FROM tokens WHERE provider = ?`, providerID)
	var set TokenSet
	var accessExp, claimsExp, updated int64
	err := row.Scan(&set.Refresh, &set.Access, &set.Claims, &accessExp, &claimsExp, &set.ClaimsBoundTo, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token store: load %s: %w", providerID, err)
	}
	if accessExp > 0 {
		set.AccessExpiry = time.Unix(accessExp, 0)
	}
	if claimsExp > 0 {
		set.ClaimsExpiry = time.Unix(claimsExp, 0)
	}
	if updated > 0 {
		set.UpdatedAt = time.Unix(updated, 0)
	}
	return &set, nil
}

func (s *SQLiteStore) Save(providerID string, set *TokenSet) error {
	_, err := s.db.Exec(`INSERT INTO tokens
		(provider, refresh_token, access_token, claims_token, access_expiry, claims_expiry, claims_bound_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
		refresh_token=excluded.refresh_token, access_token=excluded.access_token,
		claims_token=excluded.claims_token, access_expiry=excluded.access_expiry,
		claims_expiry=excluded.claims_expiry, claims_bound_to=excluded.claims_bound_to,
		updated_at=excluded.updated_at`,
		providerID, set.Refresh, set.Access, set.Claims,
		unixOrZero(set.AccessExpiry), unixOrZero(set.ClaimsExpiry),
		set.ClaimsBoundTo, unixOrZero(set.UpdatedAt))
	if err != nil {
		return fmt.Errorf("token store: save %s: %w", providerID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(providerID string) error {
	if _, err := s.db.Exec(`DELETE FROM tokens WHERE provider = ?`, providerID); err != nil {
		return fmt.Errorf("token store: delete %s: %w", providerID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// MemStore is an in-memory Store for tests and credential-less runs.
type MemStore struct {
	mu   sync.Mutex
	sets map[string]TokenSet
}

func NewMemStore() *MemStore {
	return &MemStore{sets: map[string]TokenSet{}}
}

func (s *MemStore) Load(providerID string) (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[providerID]
	if !ok {
		return nil, nil
	}
	cp := set
	return &cp, nil
}

func (s *MemStore) Save(providerID string, set *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[providerID] = *set
	return nil
}

func (s *MemStore) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, providerID)
	return nil
}

func (s *MemStore) Close() error { return nil }

package fallback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a last-resort stream for one item, served when the provider's
// resolution flow is unreachable. These are static URLs (backup CDNs, lower
// quality mirrors) curated out of band.
type Entry struct {
	URL       string            `json:"url"`
	Kind      string            `json:"kind,omitempty"` // manifest kind hint: hls, dash, mss
	Headers   map[string]string `json:"headers,omitempty"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// Store maps item IDs to fallback entries, backed by a JSON file.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
}

// Open loads the store at path. A missing file is an empty store, not an
// error; the file appears on first Put.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fallback: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("fallback: parse %s: %w", path, err)
	}
	return s, nil
}

// Lookup returns the entry for itemID, if any.
func (s *Store) Lookup(itemID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[itemID]
	return e, ok
}

// Put records or replaces the entry for itemID and persists the store.
func (s *Store) Put(itemID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	s.entries[itemID] = e
	return s.save()
}

// Delete removes itemID's entry and persists the store. Deleting an absent
// entry is a no-op.
func (s *Store) Delete(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[itemID]; !ok {
		return nil
	}
	delete(s.entries, itemID)
	return s.save()
}

// Len reports how many entries the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// save writes the store as JSON with a temp-file-then-rename so readers never
// see a partially-written file. Caller holds the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(s.path))
	tmp, err := os.CreateTemp(dir, ".fallback-*.json.tmp")
	if err != nil {
		return fmt.Errorf("fallback save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("fallback save: write: %w", writeErr)
		}
		return fmt.Errorf("fallback save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fallback save: rename: %w", err)
	}
	return nil
}

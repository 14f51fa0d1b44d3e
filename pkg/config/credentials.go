package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const credentialsFile = "auth.json"

// Credential is one stored backend secret.
type Credential struct {
	Key     string `json:"key"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// CredentialStore keeps backend API keys in <data_dir>/auth.json with
// owner-only permissions.
type CredentialStore struct {
	path string
	mu   sync.Mutex
}

func NewCredentialStore(dataDir string) *CredentialStore {
	return &CredentialStore{path: filepath.Join(dataDir, credentialsFile)}
}

func (s *CredentialStore) Path() string { return s.path }

// load returns an empty set when the file is missing or unreadable.
func (s *CredentialStore) load() map[string]Credential {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return make(map[string]Credential)
	}
	var creds map[string]Credential
	if err := json.Unmarshal(data, &creds); err != nil || creds == nil {
		return make(map[string]Credential)
	}
	return creds
}

func (s *CredentialStore) save(creds map[string]Credential) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write auth file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace auth file: %w", err)
	}
	return nil
}

// APIKey returns the stored key for backend, or "".
func (s *CredentialStore) APIKey(backend string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()[backend].Key
}

func (s *CredentialStore) SetAPIKey(backend, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.load()
	c := creds[backend]
	c.Key = key
	creds[backend] = c
	return s.save(creds)
}

func (s *CredentialStore) Remove(backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds := s.load()
	if _, ok := creds[backend]; !ok {
		return nil
	}
	delete(creds, backend)
	return s.save(creds)
}

// Backends lists backends with a stored key.
func (s *CredentialStore) Backends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, c := range s.load() {
		if c.Key != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// MaskKey shortens a secret for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

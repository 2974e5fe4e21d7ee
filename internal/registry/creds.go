package registry

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/vigsterkr/watchz/pkg/logger"
	"github.com/vigsterkr/watchz/pkg/ref"
)

// Credential holds one registry login.
type Credential struct {
	Registry string
	Username string
	Password string
}

// Basic returns the base64 user:pass form for an Authorization header.
func (c Credential) Basic() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// CredentialStore maps registry hosts to logins. It is populated once at
// startup and read-only afterwards.
type CredentialStore struct {
	creds map[string]Credential
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]Credential)}
}

// dockerConfig is the subset of ~/.docker/config.json we read.
type dockerConfig struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

// LoadCredentialStore reads the engine's user config file. A missing,
// unreadable or malformed file yields an empty store.
func LoadCredentialStore(log *logger.Logger) *CredentialStore {
	store := NewCredentialStore()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return store
	}
	path := filepath.Join(homeDir, ".docker", "config.json")
	store.loadFile(path, log)
	return store
}

func (s *CredentialStore) loadFile(path string, log *logger.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug("No registry credentials loaded from %s: %v", path, err)
		return
	}

	var cfg dockerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn("Ignoring malformed credentials file %s: %v", path, err)
		return
	}

	for host, entry := range cfg.Auths {
		if entry.Auth == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
		if err != nil {
			log.Warn("Ignoring malformed auth entry for %s: %v", host, err)
			continue
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			log.Warn("Ignoring malformed auth entry for %s", host)
			continue
		}
		s.Add(normalizeRegistryHost(host), user, pass)
	}
	log.Debug("Loaded credentials for %d registries from %s", len(s.creds), path)
}

// Add records a login for a registry host, replacing any previous entry.
func (s *CredentialStore) Add(registry, username, password string) {
	registry = normalizeRegistryHost(registry)
	s.creds[registry] = Credential{Registry: registry, Username: username, Password: password}
}

// Get looks up the login for a registry host. Lookups are exact-host; a
// missing entry means anonymous.
func (s *CredentialStore) Get(registry string) (Credential, bool) {
	c, ok := s.creds[normalizeRegistryHost(registry)]
	return c, ok
}

// normalizeRegistryHost folds the engine's legacy hub spellings onto the
// canonical docker.io key.
func normalizeRegistryHost(host string) string {
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/v1/")
	host = strings.TrimSuffix(host, "/")
	switch host {
	case "index.docker.io", "registry-1.docker.io", "registry.docker.io", "docker.io":
		return ref.DefaultRegistry
	}
	return host
}

package registry

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigsterkr/watchz/pkg/logger"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadCredentialsFile(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	path := writeConfig(t, `{"auths":{"ghcr.io":{"auth":"`+auth+`"}}}`)

	s := NewCredentialStore()
	s.loadFile(path, logger.New())

	cred, ok := s.Get("ghcr.io")
	require.True(t, ok)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "s3cret", cred.Password)
	assert.Equal(t, auth, cred.Basic())
}

func TestLoadCredentialsNormalizesHubKey(t *testing.T) {
	auth := base64.StdEncoding.EncodeToString([]byte("bob:pw"))
	path := writeConfig(t, `{"auths":{"https://index.docker.io/v1/":{"auth":"`+auth+`"}}}`)

	s := NewCredentialStore()
	s.loadFile(path, logger.New())

	cred, ok := s.Get("docker.io")
	require.True(t, ok)
	assert.Equal(t, "bob", cred.Username)
}

func TestMalformedCredentialsAreIgnored(t *testing.T) {
	s := NewCredentialStore()

	// Missing file
	s.loadFile(filepath.Join(t.TempDir(), "nope.json"), logger.New())
	_, ok := s.Get("ghcr.io")
	assert.False(t, ok)

	// Malformed JSON
	s.loadFile(writeConfig(t, `{"auths":`), logger.New())
	_, ok = s.Get("ghcr.io")
	assert.False(t, ok)

	// Undecodable auth entry
	s.loadFile(writeConfig(t, `{"auths":{"ghcr.io":{"auth":"!!!"}}}`), logger.New())
	_, ok = s.Get("ghcr.io")
	assert.False(t, ok)
}

func TestExplicitCredentialsOverrideFile(t *testing.T) {
	s := NewCredentialStore()
	auth := base64.StdEncoding.EncodeToString([]byte("file-user:file-pass"))
	s.loadFile(writeConfig(t, `{"auths":{"docker.io":{"auth":"`+auth+`"}}}`), logger.New())
	s.Add("docker.io", "cli-user", "cli-pass")

	cred, ok := s.Get("docker.io")
	require.True(t, ok)
	assert.Equal(t, "cli-user", cred.Username)

	// Exact-host lookup, no wildcard
	_, ok = s.Get("ghcr.io")
	assert.False(t, ok)
}

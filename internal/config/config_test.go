package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awheeler/fieldsync/internal/hub"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FIELDSYNC_API_URL", "https://api.example.com")
	t.Setenv("FIELDSYNC_EVENTING_URL", "wss://events.example.com/eventingHub")
	t.Setenv("FIELDSYNC_UNIT_ID", "unit-12")
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.EnableAdmin)
	assert.Equal(t, "127.0.0.1:7373", cfg.AdminListenAddr)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.NotEmpty(t, cfg.CaptureDir)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_MissingAPIURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FIELDSYNC_API_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELDSYNC_API_URL")
}

func TestLoad_MissingUnitID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FIELDSYNC_UNIT_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELDSYNC_UNIT_ID")
}

func TestLoad_InvalidMaxRetries(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FIELDSYNC_MAX_RETRIES", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIELDSYNC_MAX_RETRIES")
}

// --- HubSessions ---

func TestHubSessions_DefaultRoster(t *testing.T) {
	cfg := &Config{EventingBaseURL: "wss://events.example.com/eventingHub"}

	sessions, err := cfg.HubSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "unitsHub", sessions[0].Name)
	assert.Equal(t, hub.GeolocationHubName, sessions[1].Name)
	for _, s := range sessions {
		assert.Equal(t, "wss://events.example.com/eventingHub", s.BaseURL)
		assert.NotEmpty(t, s.Methods)
	}
}

func TestHubSessions_RosterFile(t *testing.T) {
	roster := filepath.Join(t.TempDir(), "hubs.yaml")
	require.NoError(t, os.WriteFile(roster, []byte(`
hubs:
  - name: dispatchHub
    methods: [onDispatch]
  - name: geolocationHub
    baseUrl: wss://geo.example.com/eventingHub
    methods: [onUnitLocationUpdated]
`), 0600))

	cfg := &Config{EventingBaseURL: "wss://events.example.com/eventingHub", HubsFile: roster}

	sessions, err := cfg.HubSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "dispatchHub", sessions[0].Name)
	assert.Equal(t, "wss://events.example.com/eventingHub", sessions[0].BaseURL,
		"missing baseUrl inherits the eventing endpoint")
	assert.Equal(t, "wss://geo.example.com/eventingHub", sessions[1].BaseURL)
}

func TestHubSessions_EmptyRosterFile(t *testing.T) {
	roster := filepath.Join(t.TempDir(), "hubs.yaml")
	require.NoError(t, os.WriteFile(roster, []byte("hubs: []\n"), 0600))

	cfg := &Config{HubsFile: roster}
	_, err := cfg.HubSessions()
	assert.Error(t, err)
}

func TestHubSessions_UnnamedHub(t *testing.T) {
	roster := filepath.Join(t.TempDir(), "hubs.yaml")
	require.NoError(t, os.WriteFile(roster, []byte("hubs:\n  - methods: [x]\n"), 0600))

	cfg := &Config{HubsFile: roster}
	_, err := cfg.HubSessions()
	assert.Error(t, err)
}

func TestHubSessions_MissingRosterFile(t *testing.T) {
	cfg := &Config{HubsFile: "/nonexistent/hubs.yaml"}
	_, err := cfg.HubSessions()
	assert.Error(t, err)
}

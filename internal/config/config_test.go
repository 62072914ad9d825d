package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDefaults(t *testing.T) {
	for _, key := range []string{
		"CHAT_WS_URL",
		"CHAT_API_URL",
		"CHAT_RECONNECT_DELAY",
		"CHAT_TOKEN_REFRESH_INTERVAL",
		"CHAT_REQUEST_TIMEOUT",
		"CHAT_DATA_DIR",
	} {
		t.Setenv(key, "")
	}

	c := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, c.WsURL, "ws://127.0.0.1:8000/ws")
	assert.Equal(t, c.APIURL, "http://127.0.0.1:8000")
	assert.Equal(t, c.ReconnectDelay, 3*time.Second)
	assert.Equal(t, c.TokenRefreshInterval, 25*time.Minute)
	assert.Equal(t, c.RequestTimeout, 5*time.Second)
	assert.Equal(t, filepath.Base(c.DataDir), "ChatTemp")
	assert.Equal(t, filepath.Base(c.VaultPath()), "client_vault.db")
}

func TestEnvOverridesAndInvalidDurations(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHAT_WS_URL", "ws://chat.example/ws")
	t.Setenv("CHAT_DATA_DIR", dir)
	t.Setenv("CHAT_RECONNECT_DELAY", "250ms")
	t.Setenv("CHAT_REQUEST_TIMEOUT", "soon")

	c := Load(filepath.Join(dir, "missing.env"))
	assert.Equal(t, c.WsURL, "ws://chat.example/ws")
	assert.Equal(t, c.DataDir, dir)
	assert.Equal(t, c.ReconnectDelay, 250*time.Millisecond)
	assert.Equal(t, c.RequestTimeout, 5*time.Second)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	os.WriteFile(envFile, []byte("CHAT_API_URL=http://api.example\n"), 0600)
	// godotenv does not override variables that are already set
	os.Unsetenv("CHAT_API_URL")
	t.Cleanup(func() { os.Unsetenv("CHAT_API_URL") })

	c := Load(envFile)
	assert.Equal(t, c.APIURL, "http://api.example")
}

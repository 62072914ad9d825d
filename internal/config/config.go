package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

type Config struct {
	WsURL                string
	APIURL               string
	DataDir              string
	VaultSecret          string
	ReconnectDelay       time.Duration
	TokenRefreshInterval time.Duration
	RequestTimeout       time.Duration
	HandshakeTimeout     time.Duration
}

// VaultPath is the sqlite file holding persisted credentials.
func (c *Config) VaultPath() string {
	return filepath.Join(c.DataDir, "client_vault.db")
}

// Load reads an optional .env file then the environment. Every setting has
// a default.
func Load(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil {
		glog.V(1).Infof("[config]no .env file, relying on environment variables\n")
	}

	return &Config{
		WsURL:                getEnv("CHAT_WS_URL", "ws://127.0.0.1:8000/ws"),
		APIURL:               getEnv("CHAT_API_URL", "http://127.0.0.1:8000"),
		DataDir:              getEnv("CHAT_DATA_DIR", defaultDataDir()),
		VaultSecret:          getEnv("CHAT_VAULT_SECRET", defaultVaultSecret()),
		ReconnectDelay:       getEnvAsDuration("CHAT_RECONNECT_DELAY", 3*time.Second),
		TokenRefreshInterval: getEnvAsDuration("CHAT_TOKEN_REFRESH_INTERVAL", 25*time.Minute),
		RequestTimeout:       getEnvAsDuration("CHAT_REQUEST_TIMEOUT", 5*time.Second),
		HandshakeTimeout:     getEnvAsDuration("CHAT_HANDSHAKE_TIMEOUT", 10*time.Second),
	}
}

// ChatTemp next to the executable
func defaultDataDir() string {
	exePath, err := os.Executable()
	if err != nil {
		return "ChatTemp"
	}
	return filepath.Join(filepath.Dir(exePath), "ChatTemp")
}

func defaultVaultSecret() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "relaychat"
	}
	return host
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		glog.Infof("[config]invalid %s=%q, using %s\n", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

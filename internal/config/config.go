package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds download, storage and serving settings.
// Load from env and/or a .env file via LoadEnvFile.
type Config struct {
	// Paths
	StateDir   string // catalog directory, e.g. /var/lib/hlsvault
	BundleRoot string // bundle storage root, e.g. /var/lib/hlsvault/bundles
	JournalDB  string // sqlite transition journal; "" = disabled

	// Serving
	ListenAddr string // e.g. :8474
	BaseURL    string // externally reachable base for key URLs, e.g. http://192.168.1.10:8474

	// Download behavior
	Concurrency  int           // parallel segment fetches per task
	HTTPTimeout  time.Duration // per-request timeout
	RateLimitRPS int           // requests per second; 0 = unlimited
	RetryMax     int           // extra attempts on 429/5xx

	// Key resolution
	KeyFetchTimeout time.Duration
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load()
// to use a .env file.
func Load() *Config {
	c := &Config{
		StateDir:        getEnv("HLS_VAULT_STATE_DIR", "/var/lib/hlsvault"),
		BundleRoot:      os.Getenv("HLS_VAULT_BUNDLE_ROOT"),
		JournalDB:       os.Getenv("HLS_VAULT_JOURNAL_DB"),
		ListenAddr:      getEnv("HLS_VAULT_LISTEN", ":8474"),
		BaseURL:         os.Getenv("HLS_VAULT_BASE_URL"),
		Concurrency:     getEnvInt("HLS_VAULT_CONCURRENCY", 4),
		HTTPTimeout:     getEnvDuration("HLS_VAULT_HTTP_TIMEOUT", 30*time.Second),
		RateLimitRPS:    getEnvInt("HLS_VAULT_RATE_LIMIT_RPS", 0),
		RetryMax:        getEnvInt("HLS_VAULT_RETRY_MAX", 1),
		KeyFetchTimeout: getEnvDuration("HLS_VAULT_KEY_TIMEOUT", 15*time.Second),
	}
	if c.BundleRoot == "" {
		c.BundleRoot = filepath.Join(c.StateDir, "bundles")
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1" + normalizeAddr(c.ListenAddr)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.KeyFetchTimeout <= 0 {
		c.KeyFetchTimeout = 15 * time.Second
	}
	return c
}

// normalizeAddr turns ":8474" into ":8474" and "0.0.0.0:8474" into ":8474"
// for building a loopback base URL.
func normalizeAddr(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":" + addr
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

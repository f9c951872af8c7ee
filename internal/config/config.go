// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → proxy-config.json → environment variables
// (env vars win). Upstream proxy chaining is configured via the
// UpstreamProxy field / UPSTREAM_PROXY env var.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	BindAddress    string `json:"bindAddress"`
	Port           int    `json:"port"`
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`
	Debug          bool   `json:"debug"`

	CACertFile string `json:"caCertFile"`
	CAKeyFile  string `json:"caKeyFile"`

	// CacheCapacity bounds the number of minted leaf-certificate configs the
	// CA keeps resident at once (one per authority).
	CacheCapacity int `json:"cacheCapacity"`

	// UpstreamProxy, if set, is the URL of an upstream proxy (http:// or
	// socks5://) every outbound request and WebSocket dial traverses.
	UpstreamProxy string `json:"upstreamProxy"`

	ManagementToken string `json:"managementToken"`
}

// Load returns config with defaults overridden by proxy-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:     "0.0.0.0",
		Port:            8000,
		ManagementPort:  8001,
		LogLevel:        "info",
		CACertFile:      "ca/cert.crt",
		CAKeyFile:       "ca/key.pem",
		CacheCapacity:   1000,
		ManagementToken: "",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEBUG"); v == "true" {
		cfg.Debug = true
	}
	if v := os.Getenv("CA_CERT_FILE"); v != "" {
		cfg.CACertFile = v
	}
	if v := os.Getenv("CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheCapacity = n
		}
	}
	if v := os.Getenv("UPSTREAM_PROXY"); v != "" {
		cfg.UpstreamProxy = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
}

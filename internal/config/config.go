package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig holds the CRM backend connection settings. The gateway
// authenticates to the backend with a single integration credential; tenant
// isolation is enforced by the gateway itself, not by the backend.
type BackendConfig struct {
	BaseURL         string `yaml:"baseURL"`
	ZoneURL         string `yaml:"zoneURL"`
	Username        string `yaml:"username"`
	Secret          string `yaml:"secret"`
	IntegrationCode string `yaml:"integrationCode"`
	TimeoutMs       int    `yaml:"timeoutMs"`

	// ProbeOnRequest verifies backend credentials before serving each
	// request, so a broken integration credential surfaces as a clear
	// "backend unavailable" response instead of a confusing midway error.
	ProbeOnRequest bool `yaml:"probeOnRequest"`
}

// KeyBinding maps one caller API key to a tenant name.
type KeyBinding struct {
	Key    string `yaml:"key"`
	Tenant string `yaml:"tenant"`
}

type AuthConfig struct {
	// Source selects where key bindings and the tenant directory are
	// loaded from: "file" (this config) or "postgres".
	Source string       `yaml:"source"`
	Keys   []KeyBinding `yaml:"keys"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Backend   BackendConfig    `yaml:"backend"`
	Auth      AuthConfig       `yaml:"auth"`
	Tenants   map[string]int64 `yaml:"tenants"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	RateLimit RateLimitConfig  `yaml:"ratelimit"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}

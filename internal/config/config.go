package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Store backends.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	LogLevel                   string   `yaml:"logLevel"`
	IdentityBaseURL            string   `yaml:"identityBaseURL"`
	ChatBaseURL                string   `yaml:"chatBaseURL"`
	StoreBackend               string   `yaml:"storeBackend"`
	DataDir                    string   `yaml:"dataDir"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	DatabaseURL                string   `yaml:"databaseURL"`
	Suggestions                []string `yaml:"suggestions"`
	TrustedProxyCIDRs          []string `yaml:"trustedProxyCidrs"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("PORTFOLIO_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORTFOLIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORTFOLIO_IDENTITY_BASE_URL"); v != "" {
		cfg.IdentityBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORTFOLIO_CHAT_BASE_URL"); v != "" {
		cfg.ChatBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORTFOLIO_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORTFOLIO_DATA_DIR"); v != "" {
		cfg.DataDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORTFOLIO_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("PORTFOLIO_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("PORTFOLIO_REGISTER_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegisterRateLimitPerMinute = n
		}
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreFile
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.IdentityBaseURL == "" {
		return errors.New("config: identityBaseURL is required (set in config.yaml)")
	}
	if cfg.ChatBaseURL == "" {
		return errors.New("config: chatBaseURL is required (set in config.yaml)")
	}
	switch cfg.StoreBackend {
	case StoreFile:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return errors.New("config: dataDir is required for the file store backend")
		}
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis store backend")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", cfg.StoreBackend)
	}
	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         string `yaml:"port"`
	GatewayPort  string `yaml:"gateway_port"`
	DatabasePath string `yaml:"database_path"`
	CachePath    string `yaml:"cache_path"`
	Environment  string `yaml:"environment"`
	LogLevel     string `yaml:"log_level"`

	AllowedOrigins string `yaml:"allowed_origins"`

	Gateway GatewayConfig `yaml:"gateway"`
	Mission MissionConfig `yaml:"mission"`

	ToastTTL time.Duration `yaml:"toast_ttl"`
}

// GatewayConfig describes the caching gateway that fronts the app.
type GatewayConfig struct {
	UpstreamURL     string        `yaml:"upstream_url"`
	BasePath        string        `yaml:"base_path"`
	CachePrefix     string        `yaml:"cache_prefix"`
	CacheVersion    string        `yaml:"cache_version"`
	BaaSHost        string        `yaml:"baas_host"`
	CDNHost         string        `yaml:"cdn_host"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	EssentialAssets []string      `yaml:"essential_assets"`
	StaticAssets    []string      `yaml:"static_assets"`
	OfflinePage     string        `yaml:"offline_page"`
}

type MissionConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

func Load() *Config {
	basePath := getEnv("BASE_PATH", "/")
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GatewayPort:    getEnv("GATEWAY_PORT", "8081"),
		DatabasePath:   getEnv("DATABASE_PATH", "replant.db"),
		CachePath:      getEnv("CACHE_PATH", "replant-cache.db"),
		Environment:    getEnv("ENVIRONMENT", "production"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:8081"),
		Gateway: GatewayConfig{
			UpstreamURL:  getEnv("UPSTREAM_URL", "http://localhost:8080"),
			BasePath:     basePath,
			CachePrefix:  getEnv("CACHE_PREFIX", "replant"),
			CacheVersion: getEnv("CACHE_VERSION", "v1"),
			BaaSHost:     getEnv("BAAS_HOST", "supabase.co"),
			CDNHost:      getEnv("CDN_HOST", "cdn.jsdelivr.net"),
			SyncTimeout:  getEnvDuration("SYNC_TIMEOUT", 30*time.Second),
			EssentialAssets: getEnvList("ESSENTIAL_ASSETS", []string{
				basePath,
				joinPath(basePath, "manifest.json"),
				joinPath(basePath, "offline.html"),
			}),
			StaticAssets: getEnvList("STATIC_ASSETS", []string{
				joinPath(basePath, "favicon.ico"),
				joinPath(basePath, "icons/icon-192.png"),
				joinPath(basePath, "icons/icon-512.png"),
			}),
			OfflinePage: joinPath(basePath, "offline.html"),
		},
		Mission: MissionConfig{
			BatchSize:    getEnvInt("MISSION_BATCH_SIZE", 10),
			MaxRetries:   getEnvInt("MISSION_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("MISSION_RETRY_BACKOFF", time.Second),
		},
		ToastTTL: getEnvDuration("TOAST_TTL", 3*time.Second),
	}
	return cfg
}

// LoadFile applies Load and then overlays the YAML file at path, if any.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// StaticCacheName and DynamicCacheName are the versioned store names.
func (g GatewayConfig) StaticCacheName() string {
	return fmt.Sprintf("%s-static-%s", g.CachePrefix, g.CacheVersion)
}

func (g GatewayConfig) DynamicCacheName() string {
	return fmt.Sprintf("%s-dynamic-%s", g.CachePrefix, g.CacheVersion)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}

func joinPath(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}

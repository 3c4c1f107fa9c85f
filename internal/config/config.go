package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Render  RenderConfig  `yaml:"render"`
	Session SessionConfig `yaml:"session"`
	Asset   AssetConfig   `yaml:"asset"`
	Limits  LimitsConfig  `yaml:"limits"`
	Editor  EditorConfig  `yaml:"editor"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RenderConfig 描述渲染引擎配置。
type RenderConfig struct {
	EngineURL    string        `yaml:"engine_url"`
	Timeout      time.Duration `yaml:"timeout"`
	SanitizeHTML bool          `yaml:"sanitize_html"`
}

// SessionConfig 描述会话存储配置。
type SessionConfig struct {
	Backend          string        `yaml:"backend"`
	TTL              time.Duration `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxDocumentBytes int           `yaml:"max_document_bytes"`
	Redis            RedisConfig   `yaml:"redis"`
	SQLitePath       string        `yaml:"sqlite_path"`
}

// RedisConfig 描述 Redis 会话存储连接。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AssetConfig 描述图片上传配置。
type AssetConfig struct {
	StorageBase string `yaml:"storage_base"`
	MaxBytes    int64  `yaml:"max_bytes"`
}

// LimitsConfig 描述限流配置，RatePerSecond <= 0 表示不限流。
type LimitsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// EditorConfig 描述编辑会话的防抖窗口。
type EditorConfig struct {
	PreviewDebounce time.Duration `yaml:"preview_debounce"`
	SyncDebounce    time.Duration `yaml:"sync_debounce"`
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Render: RenderConfig{
			EngineURL:    "http://docx-service:5000",
			Timeout:      5 * time.Minute,
			SanitizeHTML: true,
		},
		Session: SessionConfig{
			Backend:          BackendMemory,
			TTL:              24 * time.Hour,
			SweepInterval:    10 * time.Minute,
			MaxDocumentBytes: 4 << 20,
			Redis:            RedisConfig{Addr: "localhost:6379", Prefix: "md2gost:"},
			SQLitePath:       "data/sessions.db",
		},
		Asset: AssetConfig{
			StorageBase: "storage",
			MaxBytes:    10 << 20,
		},
		Limits: LimitsConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Editor: EditorConfig{
			PreviewDebounce: time.Second,
			SyncDebounce:    2 * time.Second,
		},
	}
}

// Load 依次应用默认值、STUDIO_CONFIG 指定的 YAML 文件和环境变量。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("STUDIO_CONFIG")); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		addr, err := parseAddr(raw)
		if err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); raw != "" {
		cfg.Server.AllowedOrigins = splitList(raw)
	}

	cfg.Render.EngineURL = getEnvOrDefault("RENDER_ENGINE_URL", cfg.Render.EngineURL)
	cfg.Session.Backend = strings.ToLower(getEnvOrDefault("SESSION_BACKEND", cfg.Session.Backend))
	cfg.Session.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Session.Redis.Addr)
	cfg.Session.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Session.Redis.Password)
	cfg.Session.Redis.Prefix = getEnvOrDefault("REDIS_PREFIX", cfg.Session.Redis.Prefix)
	cfg.Session.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.Session.SQLitePath)
	cfg.Asset.StorageBase = getEnvOrDefault("STORAGE_BASE", cfg.Asset.StorageBase)

	var err error
	if cfg.Render.Timeout, err = parseDurationEnv("RENDER_TIMEOUT", cfg.Render.Timeout); err != nil {
		return err
	}
	if cfg.Render.SanitizeHTML, err = parseBoolEnv("RENDER_SANITIZE_HTML", cfg.Render.SanitizeHTML); err != nil {
		return err
	}
	if cfg.Session.TTL, err = parseDurationEnv("SESSION_TTL", cfg.Session.TTL); err != nil {
		return err
	}
	if cfg.Session.SweepInterval, err = parseDurationEnv("SESSION_SWEEP_INTERVAL", cfg.Session.SweepInterval); err != nil {
		return err
	}
	if cfg.Session.MaxDocumentBytes, err = parseIntEnv("SESSION_MAX_DOCUMENT_BYTES", cfg.Session.MaxDocumentBytes); err != nil {
		return err
	}
	if cfg.Session.Redis.DB, err = parseIntEnv("REDIS_DB", cfg.Session.Redis.DB); err != nil {
		return err
	}
	if cfg.Asset.MaxBytes, err = parseInt64Env("ASSET_MAX_BYTES", cfg.Asset.MaxBytes); err != nil {
		return err
	}
	if cfg.Limits.RatePerSecond, err = parseFloatEnv("RATE_LIMIT_RPS", cfg.Limits.RatePerSecond); err != nil {
		return err
	}
	if cfg.Limits.Burst, err = parseIntEnv("RATE_LIMIT_BURST", cfg.Limits.Burst); err != nil {
		return err
	}
	if cfg.Editor.PreviewDebounce, err = parseDurationEnv("PREVIEW_DEBOUNCE", cfg.Editor.PreviewDebounce); err != nil {
		return err
	}
	if cfg.Editor.SyncDebounce, err = parseDurationEnv("SYNC_DEBOUNCE", cfg.Editor.SyncDebounce); err != nil {
		return err
	}
	return nil
}

// Validate 检查配置组合是否可用。
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis session backend")
		}
	case BackendSQLite:
		if c.Session.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite session backend")
		}
	default:
		return fmt.Errorf("invalid SESSION_BACKEND value: %q", c.Session.Backend)
	}

	if c.Render.EngineURL == "" {
		return fmt.Errorf("RENDER_ENGINE_URL is required")
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("RENDER_TIMEOUT must be positive")
	}
	if c.Limits.RatePerSecond > 0 && c.Limits.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	return nil
}

// parseAddr 解析服务器监听地址。
func parseAddr(port string) (string, error) {
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 Go duration（"90s"）或整数秒。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

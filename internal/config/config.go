package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string
	PushPort       string
	MQTTBrokerURL  string
	LogLevel       string
	Postgres       DBConfig
	RedisAddr      string
	RedisPassword  string
	AdapterID      string
	AdapterVersion string
	JWTPublicKey   string

	Harmony HarmonyConfig
}

type HarmonyConfig struct {
	HubAddr        string        `yaml:"ip"`
	Email          string        `yaml:"email"`
	Password       string        `yaml:"password"`
	AuthURL        string        `yaml:"auth_url"`
	RequestTimeout time.Duration `yaml:"-"`
	Reconnect      bool          `yaml:"-"`
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.DBName, d.Port)
}

type fileConfig struct {
	Harmony HarmonyConfig `yaml:"harmony"`
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("HARMONY_ADAPTER_PORT", "8093"),
		PushPort:       getEnv("HARMONY_PUSH_PORT", "8060"),
		MQTTBrokerURL:  getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AdapterID:      getEnv("HARMONY_ADAPTER_ID", "harmony-adapter"),
		AdapterVersion: getEnv("HARMONY_ADAPTER_VERSION", "dev"),
		JWTPublicKey:   os.Getenv("JWT_PUBLIC_KEY_PATH"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "homenavi"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Harmony: HarmonyConfig{
			HubAddr:   os.Getenv("HARMONY_HUB_ADDR"),
			Email:     os.Getenv("HARMONY_EMAIL"),
			Password:  os.Getenv("HARMONY_PASSWORD"),
			AuthURL:   os.Getenv("HARMONY_AUTH_URL"),
			Reconnect: parseBool(getEnv("HARMONY_RECONNECT", "true")),
		},
	}

	timeout, err := time.ParseDuration(getEnv("HARMONY_REQUEST_TIMEOUT", "10s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid HARMONY_REQUEST_TIMEOUT: %q", os.Getenv("HARMONY_REQUEST_TIMEOUT"))
	}
	cfg.Harmony.RequestTimeout = timeout

	if path := os.Getenv("HARMONY_CONFIG_PATH"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	slog.Info("harmony-adapter config loaded", "port", cfg.Port, "push_port", cfg.PushPort, "mqtt", cfg.MQTTBrokerURL, "adapter_id", cfg.AdapterID, "hub", cfg.Harmony.HubAddr)
	return cfg, nil
}

// mergeFile fills harmony settings the environment left empty.
func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	fill(&c.Harmony.HubAddr, fc.Harmony.HubAddr)
	fill(&c.Harmony.Email, fc.Harmony.Email)
	fill(&c.Harmony.Password, fc.Harmony.Password)
	fill(&c.Harmony.AuthURL, fc.Harmony.AuthURL)
	return nil
}

func fill(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = strings.TrimSpace(v)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Harmony.HubAddr) == "" {
		errs = append(errs, errors.New("harmony hub address is required (HARMONY_HUB_ADDR)"))
	}
	if strings.TrimSpace(c.Harmony.Email) == "" {
		errs = append(errs, errors.New("harmony account email is required (HARMONY_EMAIL)"))
	}
	if c.Harmony.Password == "" {
		errs = append(errs, errors.New("harmony account password is required (HARMONY_PASSWORD)"))
	}
	return errors.Join(errs...)
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

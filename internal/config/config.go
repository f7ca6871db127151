package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	StoreRemote   = "remote"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string

	StoreMode   string
	SQLitePath  string
	DatabaseURL string
	BridgeURL   string
	BridgeToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	BridgeSecret          string
	AccessTokenTTLMinutes int

	SyncInterval    time.Duration
	ProbeURL        string
	ProbeTimeout    time.Duration
	PushTimeout     time.Duration
	SyncConcurrency int
	DeviceID        string
	SupabaseURL     string
	SupabaseKey     string

	LogFile    string
	LogLevel   string
	ConfigFile string
}

var defaults = map[string]any{
	"port":                     "8080",
	"allowed_origin":           "http://127.0.0.1:3000",
	"app_env":                  "development",
	"store_mode":               "",
	"sqlite_path":              "data/possync.db",
	"database_url":             "",
	"bridge_url":               "",
	"bridge_token":             "",
	"redis_addr":               "",
	"redis_password":           "",
	"redis_db":                 0,
	"auth_secret":              "",
	"bridge_secret":            "",
	"access_token_ttl_minutes": 480,
	"sync_interval_seconds":    30,
	"probe_url":                "https://www.google.com/generate_204",
	"probe_timeout_seconds":    5,
	"push_timeout_seconds":     15,
	"sync_concurrency":         2,
	"device_id":                "",
	"supabase_url":             "",
	"supabase_key":             "",
	"log_file":                 "",
	"log_level":                "info",
	"config_file":              "",
}

// Load reads configuration from the environment, a .env file in the working
// directory, and the optional CONFIG_FILE (yaml, toml or json). Environment
// variables win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		Port:                  v.GetString("port"),
		AllowedOrigin:         v.GetString("allowed_origin"),
		AppEnv:                strings.ToLower(strings.TrimSpace(v.GetString("app_env"))),
		StoreMode:             strings.ToLower(strings.TrimSpace(v.GetString("store_mode"))),
		SQLitePath:            strings.TrimSpace(v.GetString("sqlite_path")),
		DatabaseURL:           strings.TrimSpace(v.GetString("database_url")),
		BridgeURL:             strings.TrimSpace(v.GetString("bridge_url")),
		BridgeToken:           strings.TrimSpace(v.GetString("bridge_token")),
		RedisAddr:             strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:         v.GetString("redis_password"),
		RedisDB:               v.GetInt("redis_db"),
		AuthSecret:            strings.TrimSpace(v.GetString("auth_secret")),
		BridgeSecret:          strings.TrimSpace(v.GetString("bridge_secret")),
		AccessTokenTTLMinutes: positive(v.GetInt("access_token_ttl_minutes"), 480),
		SyncInterval:          seconds(v.GetInt("sync_interval_seconds"), 30),
		ProbeURL:              strings.TrimSpace(v.GetString("probe_url")),
		ProbeTimeout:          seconds(v.GetInt("probe_timeout_seconds"), 5),
		PushTimeout:           seconds(v.GetInt("push_timeout_seconds"), 15),
		SyncConcurrency:       positive(v.GetInt("sync_concurrency"), 2),
		DeviceID:              strings.TrimSpace(v.GetString("device_id")),
		SupabaseURL:           strings.TrimRight(strings.TrimSpace(v.GetString("supabase_url")), "/"),
		SupabaseKey:           strings.TrimSpace(v.GetString("supabase_key")),
		LogFile:               strings.TrimSpace(v.GetString("log_file")),
		LogLevel:              v.GetString("log_level"),
		ConfigFile:            v.ConfigFileUsed(),
	}

	if cfg.StoreMode == "" {
		cfg.StoreMode = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.StoreMode = StorePostgres
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreMode {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreRemote:
		if c.BridgeURL == "" {
			return errors.New("BRIDGE_URL is required for the remote store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_MODE %q", c.StoreMode)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}

func seconds(value int, fallback int) time.Duration {
	return time.Duration(positive(value, fallback)) * time.Second
}

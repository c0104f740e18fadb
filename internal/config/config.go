package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backends for the device ledger.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Remote drivers the sync engine can deliver to.
const (
	RemotePostgres = "postgres"
	RemoteREST     = "rest"
	RemoteMemory   = "memory"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName         string
	DeviceID        string
	DataDir         string
	StorageBackend  string
	RemoteDriver    string
	PostgresURL     string
	RemoteURL       string
	RemoteAPIKey    string
	SyncTimeout     time.Duration
	SyncBacklog     int
	ProbeInterval   time.Duration
	HTTPListenAddr  string
	MetricsAddr     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool
	BackupInterval  time.Duration
	ShutdownTimeout time.Duration
	OTLPEndpoint    string
}

// Load reads configuration from the environment while applying defaults that
// run a device fully offline against an in-process remote.
func Load() (Config, error) {
	host, _ := os.Hostname()
	cfg := Config{
		AppName:         getEnv("APP_NAME", "fieldsync"),
		DeviceID:        getEnv("DEVICE_ID", host),
		DataDir:         getEnv("DATA_DIR", "./data"),
		StorageBackend:  getEnv("STORAGE_BACKEND", StorageSQLite),
		RemoteDriver:    getEnv("REMOTE_DRIVER", RemoteMemory),
		PostgresURL:     os.Getenv("POSTGRES_URL"),
		RemoteURL:       os.Getenv("REMOTE_URL"),
		RemoteAPIKey:    os.Getenv("REMOTE_API_KEY"),
		SyncTimeout:     getDuration("SYNC_TIMEOUT", 15*time.Second),
		SyncBacklog:     getInt("SYNC_BACKLOG", 256),
		ProbeInterval:   getDuration("PROBE_INTERVAL", 30*time.Second),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", "127.0.0.1:8080"),
		MetricsAddr:     getEnv("METRICS_LISTEN_ADDR", ":9090"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getInt("REDIS_DB", 0),
		ObjectEndpoint:  os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:    getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:    getEnv("OBJECT_BUCKET", "fieldsync-ledgers"),
		ObjectAccessKey: os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey: os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:    getBool("OBJECT_USE_SSL", false),
		BackupInterval:  getDuration("BACKUP_INTERVAL", 15*time.Minute),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case StorageFile, StorageSQLite:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.RemoteDriver {
	case RemotePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL must be set for the postgres remote")
		}
	case RemoteREST:
		if c.RemoteURL == "" || c.RemoteAPIKey == "" {
			return fmt.Errorf("REMOTE_URL and REMOTE_API_KEY must be set for the rest remote")
		}
	case RemoteMemory:
	default:
		return fmt.Errorf("unknown REMOTE_DRIVER %q", c.RemoteDriver)
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be positive")
	}

	if c.ObjectEndpoint != "" && (c.ObjectAccessKey == "" || c.ObjectSecretKey == "") {
		return fmt.Errorf("object storage credentials must be provided")
	}
	return nil
}

// BackupEnabled reports whether ledger snapshots are shipped to object storage.
func (c Config) BackupEnabled() bool { return c.ObjectEndpoint != "" }

// BroadcastEnabled reports whether status changes are published to Redis.
func (c Config) BroadcastEnabled() bool { return c.RedisAddr != "" }

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

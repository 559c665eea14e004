package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config is the runtime configuration, read from GOLDVISION_* variables.
type Config struct {
	BaseURL     string        `validate:"required,url"`
	LogLevel    string        `validate:"oneof=debug info warn warning error"`
	LogFormat   string        `validate:"oneof=json pretty"`
	HTTPTimeout time.Duration `validate:"gt=0"`

	Storage               string `validate:"oneof=memory file redis postgres"`
	StoragePath           string `validate:"required_if=Storage file"`
	StoragePassphrase     string
	AllowPlaintextStorage bool
	RedisURL              string `validate:"required_if=Storage redis"`
	RedisPrefix           string
	DatabaseURL           string `validate:"required_if=Storage postgres"`
	DBSchema              string
	DBMaxConns            int32 `validate:"gte=0,lte=64"`

	RetiredPrefixes []string      `validate:"dive,startswith=/"`
	CSRFTTL         time.Duration `validate:"gt=0"`

	MockAddr    string `validate:"required,hostname_port"`
	MetricsAddr string `validate:"omitempty,hostname_port"`
}

// LoadConfig reads Config from the environment with defaults.
func LoadConfig() Config {
	return Config{
		BaseURL:     EnvString(EnvPrefix+"BASE_URL", "http://127.0.0.1:8787"),
		LogLevel:    strings.ToLower(EnvString(EnvPrefix+"LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(EnvString(EnvPrefix+"LOG_FORMAT", "json")),
		HTTPTimeout: EnvDuration(EnvPrefix+"HTTP_TIMEOUT", 15*time.Second),

		Storage:               strings.ToLower(EnvString(EnvPrefix+"STORAGE", StorageFile)),
		StoragePath:           EnvString(EnvPrefix+"STORAGE_PATH", defaultStoragePath()),
		StoragePassphrase:     os.Getenv(EnvPrefix + "STORAGE_PASSPHRASE"),
		AllowPlaintextStorage: EnvBool(EnvPrefix+"ALLOW_PLAINTEXT_STORAGE", false),
		RedisURL:              EnvString(EnvPrefix+"REDIS_URL", ""),
		RedisPrefix:           EnvString(EnvPrefix+"REDIS_PREFIX", "goldvision:"),
		DatabaseURL:           EnvString(EnvPrefix+"DATABASE_URL", ""),
		DBSchema:              EnvString(EnvPrefix+"DB_SCHEMA", "goldvision"),
		DBMaxConns:            EnvInt32(EnvPrefix+"DB_MAX_CONNS", 4),

		RetiredPrefixes: EnvCSV(EnvPrefix+"RETIRED_PREFIXES", nil),
		CSRFTTL:         EnvDuration(EnvPrefix+"CSRF_TTL", 30*time.Minute),

		MockAddr:    EnvString(EnvPrefix+"MOCK_ADDR", "127.0.0.1:8787"),
		MetricsAddr: EnvString(EnvPrefix+"METRICS_ADDR", ""),
	}
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "goldvision", "state.json")
}

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

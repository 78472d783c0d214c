// Package config loads runtime settings from a dotenv file and the
// environment, and the declarative catalog from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDSN            = "IDSYNC_DSN"
	EnvWorkers        = "IDSYNC_WORKERS"
	EnvParallelism    = "IDSYNC_PROPAGATION_PARALLELISM"
	EnvRequestTimeout = "IDSYNC_REQUEST_TIMEOUT"
	EnvCacheTTL       = "IDSYNC_VIRTUAL_CACHE_TTL"
	EnvCatalog        = "IDSYNC_CATALOG"
	EnvListen         = "IDSYNC_LISTEN"
	EnvMaxMessages    = "IDSYNC_REPORT_MAX_MESSAGES"
)

type Settings struct {
	// DSN selects the Postgres task store; empty keeps tasks in memory.
	DSN            string
	Workers        int
	Parallelism    int
	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CatalogPath    string
	ListenAddr     string
	MaxMessages    int
}

func DefaultSettings() Settings {
	return Settings{
		Workers:        4,
		Parallelism:    4,
		RequestTimeout: 30 * time.Second,
		// virtual entries live until invalidated
		CacheTTL:    0,
		CatalogPath: "catalog.toml",
		ListenAddr:  ":8080",
		MaxMessages: 10,
	}
}

// LoadEnvConfig reads configName into the environment, when it exists, and
// builds the settings from the environment on top of the defaults. Values
// already set in the environment win over the file.
func LoadEnvConfig(configName string) (Settings, error) {
	if configName != "" {
		if err := godotenv.Load(configName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to load %s: %w", configName, err)
		}
	}

	s := DefaultSettings()
	var errs []error
	s.DSN = envString(EnvDSN, s.DSN)
	s.CatalogPath = envString(EnvCatalog, s.CatalogPath)
	s.ListenAddr = envString(EnvListen, s.ListenAddr)
	s.Workers = envInt(EnvWorkers, s.Workers, &errs)
	s.Parallelism = envInt(EnvParallelism, s.Parallelism, &errs)
	s.MaxMessages = envInt(EnvMaxMessages, s.MaxMessages, &errs)
	s.RequestTimeout = envDuration(EnvRequestTimeout, s.RequestTimeout, &errs)
	s.CacheTTL = envDuration(EnvCacheTTL, s.CacheTTL, &errs)
	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	switch {
	case s.Workers < 1:
		return fmt.Errorf("%s must be at least 1", EnvWorkers)
	case s.Parallelism < 1:
		return fmt.Errorf("%s must be at least 1", EnvParallelism)
	case s.RequestTimeout <= 0:
		return fmt.Errorf("%s must be positive", EnvRequestTimeout)
	case s.CacheTTL < 0:
		return fmt.Errorf("%s must not be negative", EnvCacheTTL)
	case s.MaxMessages < 1:
		return fmt.Errorf("%s must be at least 1", EnvMaxMessages)
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("failed to parse %s: %w", key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("failed to parse %s: %w", key, err))
		return def
	}
	return d
}

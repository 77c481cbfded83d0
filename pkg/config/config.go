// Package config loads the service configuration from environment
// variables. Every variable has a default suitable for local development,
// so a bare `ingestd` starts against a MinIO instance on localhost.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config holds all runtime settings for the gateway, the staging store,
// the object store connection and the finalization workers.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port string
	// TusPath is the URL path the upload protocol handler is mounted at.
	TusPath string
	// StorageDir is the staging directory for upload bodies and sidecars.
	StorageDir string
	// MaxUploadSize limits the declared length of a single upload in bytes.
	MaxUploadSize int64

	MinioEndpoint  string
	MinioPort      int
	MinioUseSSL    bool
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string

	// FinalizeWorkers is the number of goroutines draining finished uploads.
	FinalizeWorkers int
	// AssemblyReapInterval is how often the reaper looks for stale assemblies.
	AssemblyReapInterval time.Duration
	// AssemblyStaleAfter is the age at which an incomplete assembly is evicted.
	AssemblyStaleAfter time.Duration

	ExposeMetrics bool
	MetricsPath   string
	PprofPath     string
	PprofAuth     string
	// PprofBlockProfileRate and PprofMutexProfileRate are handed to
	// runtime.SetBlockProfileRate and runtime.SetMutexProfileFraction when
	// profiling is enabled. Zero leaves both profiles off.
	PprofBlockProfileRate int
	PprofMutexProfileRate int

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment. Unset variables fall
// back to their defaults, malformed values abort startup.
func Load() (Config, error) {
	cfg := Config{
		Port:           getEnv("PORT", "4000"),
		TusPath:        getEnv("TUS_PATH", "/files"),
		StorageDir:     getEnv("TUS_STORAGE_DIR", "./.data/tus"),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "wedocs"),
		MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		PprofPath:      getEnv("PPROF_PATH", ""),
		PprofAuth:      getEnv("PPROF_AUTH", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}

	var err error
	// 20 GiB default, matching the largest artifact the platform accepts.
	if cfg.MaxUploadSize, err = getEnvInt64("MAX_UPLOAD_SIZE_BYTES", 21474836480); err != nil {
		return Config{}, err
	}
	if cfg.MinioPort, err = getEnvInt("MINIO_PORT", 9000); err != nil {
		return Config{}, err
	}
	if cfg.MinioUseSSL, err = getEnvBool("MINIO_USE_SSL", false); err != nil {
		return Config{}, err
	}
	if cfg.FinalizeWorkers, err = getEnvInt("FINALIZE_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.AssemblyReapInterval, err = getEnvDuration("ASSEMBLY_REAP_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.AssemblyStaleAfter, err = getEnvDuration("ASSEMBLY_STALE_AFTER", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ExposeMetrics, err = getEnvBool("EXPOSE_METRICS", true); err != nil {
		return Config{}, err
	}
	if cfg.PprofBlockProfileRate, err = getEnvInt("PPROF_BLOCK_PROFILE_RATE", 0); err != nil {
		return Config{}, err
	}
	if cfg.PprofMutexProfileRate, err = getEnvInt("PPROF_MUTEX_PROFILE_RATE", 0); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) validate() error {
	// The operator endpoints already own the root path, so the protocol
	// handler cannot be mounted there as well.
	if !strings.HasPrefix(cfg.TusPath, "/") || cfg.TusPath == "/" {
		return errors.New("TUS_PATH must start with a slash and must not be the root path")
	}
	if cfg.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE_BYTES must be positive")
	}
	if cfg.MinioPort <= 0 || cfg.MinioPort > 65535 {
		return errors.Errorf("MINIO_PORT %d is outside the valid port range", cfg.MinioPort)
	}
	if cfg.FinalizeWorkers < 1 {
		return errors.New("FINALIZE_WORKERS must be at least 1")
	}
	if cfg.AssemblyReapInterval <= 0 {
		return errors.New("ASSEMBLY_REAP_INTERVAL must be positive")
	}
	if cfg.AssemblyStaleAfter <= 0 {
		return errors.New("ASSEMBLY_STALE_AFTER must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s must be an integer", key)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s must be an integer", key)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "%s must be a boolean", key)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s must be a duration such as 30m or 1h", key)
	}
	return d, nil
}

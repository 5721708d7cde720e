// Package config loads command-line defaults from RFS_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds the settings shared by every backend.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	MetricsAddr string

	// S3
	S3Endpoint  string
	S3Region    string
	S3PathStyle bool
	S3AccessKey string
	S3SecretKey string

	// Transfers
	MultipartThreshold uint64
	PartSize           uint64
	Concurrency        int
	Bandwidth          uint64

	// FTP
	FTPConnectMode string
	FTPFallback    bool
	Timeout        time.Duration
	DataTimeout    time.Duration
	Proxy          string
	Encoding       string
	Timezone       string
}

// Default part and threshold sizes.
const (
	DefaultMultipartThreshold = 100 * humanize.MiByte
	DefaultPartSize           = 5 * humanize.MiByte
	DefaultConcurrency        = 5
)

// Load reads the configuration from the environment. Sizes accept human
// forms such as "64MiB" or "100 MB".
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       envOr("RFS_LOG_LEVEL", "info"),
		LogFormat:      envOr("RFS_LOG_FORMAT", "console"),
		MetricsAddr:    envOr("RFS_METRICS_ADDR", ""),
		S3Endpoint:     envOr("RFS_S3_ENDPOINT", ""),
		S3Region:       envOr("RFS_S3_REGION", "us-east-1"),
		S3PathStyle:    envBool("RFS_S3_PATH_STYLE", false),
		S3AccessKey:    envOr("RFS_S3_ACCESS_KEY", ""),
		S3SecretKey:    envOr("RFS_S3_SECRET_KEY", ""),
		Concurrency:    envInt("RFS_CONCURRENCY", DefaultConcurrency),
		FTPConnectMode: envOr("RFS_FTP_CONNECT_MODE", "default"),
		FTPFallback:    envBool("RFS_FTP_FALLBACK", true),
		Timeout:        envDuration("RFS_TIMEOUT", 30*time.Second),
		DataTimeout:    envDuration("RFS_DATA_TIMEOUT", 30*time.Second),
		Proxy:          envOr("RFS_PROXY", ""),
		Encoding:       envOr("RFS_ENCODING", ""),
		Timezone:       envOr("RFS_TIMEZONE", ""),
	}

	var err error
	if cfg.MultipartThreshold, err = envBytes("RFS_MULTIPART_THRESHOLD", DefaultMultipartThreshold); err != nil {
		return nil, err
	}
	if cfg.PartSize, err = envBytes("RFS_PART_SIZE", DefaultPartSize); err != nil {
		return nil, err
	}
	if cfg.Bandwidth, err = envBytes("RFS_BANDWIDTH", 0); err != nil {
		return nil, err
	}
	if cfg.PartSize < DefaultPartSize {
		return nil, fmt.Errorf("RFS_PART_SIZE must be at least %s", humanize.IBytes(DefaultPartSize))
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("RFS_CONCURRENCY must be positive")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBytes(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

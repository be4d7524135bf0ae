// Package config loads clio's configuration from environment variables,
// with an optional YAML file overlay read through viper (spec §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SourceConfig describes one configured upstream (spec §6 etl_sources).
type SourceConfig struct {
	IP        string `mapstructure:"ip" json:"ip"`
	WSPort    int    `mapstructure:"ws_port" json:"ws_port"`
	GRPCPort  int    `mapstructure:"grpc_port" json:"grpc_port"`
}

// Config holds clio's full runtime configuration.
type Config struct {
	ETLSources []SourceConfig

	ForwardingCacheTimeout time.Duration // 0 disables the cache
	NumMarkers             int           // clamped [1, 256]

	APIVersionDefault int
	APIVersionMin     int
	APIVersionMax     int

	DownloadParallelism int
	RetryAfter          time.Duration

	ListenAddr string
	HealthPort int
}

// Load reads configuration from an optional config file (CLIO_CONFIG_FILE,
// default "clio.yaml") via viper, then applies environment variable
// overrides on top — env wins, matching container-deployment expectations.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("clio")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if p := os.Getenv("CLIO_CONFIG_FILE"); p != "" {
		v.SetConfigFile(p)
	}
	_ = v.ReadInConfig() // absence of a config file is not fatal; env-only is valid

	cfg := &Config{
		ForwardingCacheTimeout: getDurationEnv("CLIO_FORWARDING_CACHE_TIMEOUT", v.GetDuration("forwarding.cache_timeout")*time.Second, 0),
		NumMarkers:             clampMarkers(getIntEnv("CLIO_NUM_MARKERS", v.GetInt("num_markers"), 16)),
		APIVersionDefault:      getIntEnv("CLIO_API_VERSION_DEFAULT", v.GetInt("api_version.default"), 1),
		APIVersionMin:          getIntEnv("CLIO_API_VERSION_MIN", v.GetInt("api_version.min"), 1),
		APIVersionMax:          getIntEnv("CLIO_API_VERSION_MAX", v.GetInt("api_version.max"), 2),
		DownloadParallelism:    getIntEnv("CLIO_DOWNLOAD_PARALLELISM", v.GetInt("download_parallelism"), 4),
		RetryAfter:             getDurationEnv("CLIO_RETRY_AFTER", v.GetDuration("retry_after"), time.Second),
		ListenAddr:             getEnvOrDefault("CLIO_LISTEN_ADDR", v.GetString("listen_addr"), ":51233"),
		HealthPort:             getIntEnv("CLIO_HEALTH_PORT", v.GetInt("health_port"), 8080),
	}

	sources, err := loadSources(v)
	if err != nil {
		return nil, err
	}
	cfg.ETLSources = sources

	if len(cfg.ETLSources) == 0 {
		return nil, fmt.Errorf("config: at least one etl_sources entry is required")
	}

	return cfg, nil
}

func loadSources(v *viper.Viper) ([]SourceConfig, error) {
	if raw := os.Getenv("CLIO_ETL_SOURCES"); raw != "" {
		var sources []SourceConfig
		if err := json.Unmarshal([]byte(raw), &sources); err != nil {
			return nil, fmt.Errorf("config: parsing CLIO_ETL_SOURCES: %w", err)
		}
		return sources, nil
	}

	var sources []SourceConfig
	if err := v.UnmarshalKey("etl_sources", &sources); err != nil {
		return nil, fmt.Errorf("config: parsing etl_sources: %w", err)
	}
	return sources, nil
}

func clampMarkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 256 {
		return 256
	}
	return n
}

func getEnvOrDefault(key, fileValue, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}

func getIntEnv(key string, fileValue, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return defaultValue
}

func getDurationEnv(key string, fileValue, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return defaultValue
}

// String renders a source endpoint triple for logging.
func (s SourceConfig) String() string {
	return strings.Join([]string{s.IP, strconv.Itoa(s.WSPort), strconv.Itoa(s.GRPCPort)}, ":")
}

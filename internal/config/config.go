package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EnvServerHost            = "OTA_SERVER_HOST"
	EnvServerPort            = "OTA_SERVER_PORT"
	EnvServerReadTimeoutSec  = "OTA_SERVER_READ_TIMEOUT_SEC"
	EnvServerWriteTimeoutSec = "OTA_SERVER_WRITE_TIMEOUT_SEC"
	EnvServerIdleTimeoutSec  = "OTA_SERVER_IDLE_TIMEOUT_SEC"
	EnvFirmwareDir           = "OTA_FIRMWARE_DIR"
	EnvFirmwareBucket        = "OTA_FIRMWARE_BUCKET"
	EnvFirmwareFilename      = "OTA_FIRMWARE_FILENAME"
	EnvFirmwareVersion       = "OTA_FIRMWARE_VERSION"
	EnvFirmwareID            = "OTA_FIRMWARE_ID"
	EnvPublicHost            = "OTA_PUBLIC_HOST"
	EnvVercelURL             = "VERCEL_URL"
	EnvCORSEnabled           = "OTA_CORS_ENABLED"
	EnvRoutePrefix           = "OTA_ROUTE_PREFIX"
	EnvUpdatePolicy          = "OTA_UPDATE_POLICY"
	EnvLogLevel              = "OTA_LOG_LEVEL"
	EnvLogFormat             = "OTA_LOG_FORMAT"

	MinPortNumber = 1
	MaxPortNumber = 65535

	RoutePrefixAPI  = "api"
	RoutePrefixRoot = "root"
	RoutePrefixBoth = "both"

	PolicyAlwaysAvailable = "always-available"
	PolicyCompareSemver   = "compare-semver"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// FirmwareConfig describes where firmware lives and which file is published.
type FirmwareConfig struct {
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Filename string `yaml:"filename"`
	Version  string `yaml:"version"`
	ID       string `yaml:"id"`
}

// Config holds OTA server runtime configuration.
type Config struct {
	ServerHost            string         `yaml:"host"`
	ServerPort            int            `yaml:"port"`
	ServerReadTimeoutSec  int            `yaml:"read_timeout_sec"`
	ServerWriteTimeoutSec int            `yaml:"write_timeout_sec"`
	ServerIdleTimeoutSec  int            `yaml:"idle_timeout_sec"`
	Firmware              FirmwareConfig `yaml:"firmware"`
	PublicHost            string         `yaml:"public_host"`
	CORSEnabled           bool           `yaml:"cors_enabled"`
	RoutePrefix           string         `yaml:"route_prefix"`
	UpdatePolicy          string         `yaml:"update_policy"`
	LogLevel              string         `yaml:"log_level"`
	LogFormat             string         `yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ServerHost:            "0.0.0.0",
		ServerPort:            8080,
		ServerReadTimeoutSec:  15,
		ServerWriteTimeoutSec: 120,
		ServerIdleTimeoutSec:  60,
		Firmware: FirmwareConfig{
			Dir:      "firmware",
			Filename: "firmware_v2.bin",
			Version:  "0x00020000",
			ID:       "ota_update_001",
		},
		CORSEnabled:  true,
		RoutePrefix:  RoutePrefixBoth,
		UpdatePolicy: PolicyAlwaysAvailable,
		LogLevel:     "info",
		LogFormat:    LogFormatConsole,
	}
}

// Load layers an optional YAML file and the environment over Default and
// validates the result. A .env file is loaded into the environment first.
func Load(path string) (Config, error) {
	_ = EnsureDotEnv()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = applyFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	cfg = applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads and validates configuration from environment variables.
func LoadFromEnv() (Config, error) {
	return Load("")
}

func applyFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	// Fields absent from the file keep their current values.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}

func applyEnv(cfg Config) Config {
	cfg.ServerHost = envOrDefault(EnvServerHost, cfg.ServerHost)
	cfg.ServerPort = intEnvOrDefault(EnvServerPort, cfg.ServerPort)
	cfg.ServerReadTimeoutSec = intEnvOrDefault(EnvServerReadTimeoutSec, cfg.ServerReadTimeoutSec)
	cfg.ServerWriteTimeoutSec = intEnvOrDefault(EnvServerWriteTimeoutSec, cfg.ServerWriteTimeoutSec)
	cfg.ServerIdleTimeoutSec = intEnvOrDefault(EnvServerIdleTimeoutSec, cfg.ServerIdleTimeoutSec)
	cfg.Firmware.Dir = envOrDefault(EnvFirmwareDir, cfg.Firmware.Dir)
	cfg.Firmware.Bucket = envOrDefault(EnvFirmwareBucket, cfg.Firmware.Bucket)
	cfg.Firmware.Filename = envOrDefault(EnvFirmwareFilename, cfg.Firmware.Filename)
	cfg.Firmware.Version = envOrDefault(EnvFirmwareVersion, cfg.Firmware.Version)
	cfg.Firmware.ID = envOrDefault(EnvFirmwareID, cfg.Firmware.ID)
	cfg.PublicHost = envOrDefault(EnvPublicHost, cfg.PublicHost)
	if cfg.PublicHost == "" {
		cfg.PublicHost = envOrDefault(EnvVercelURL, "")
	}
	cfg.CORSEnabled = boolEnvOrDefault(EnvCORSEnabled, cfg.CORSEnabled)
	cfg.RoutePrefix = strings.ToLower(envOrDefault(EnvRoutePrefix, cfg.RoutePrefix))
	cfg.UpdatePolicy = strings.ToLower(envOrDefault(EnvUpdatePolicy, cfg.UpdatePolicy))
	cfg.LogLevel = strings.ToLower(envOrDefault(EnvLogLevel, cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault(EnvLogFormat, cfg.LogFormat))
	return cfg
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvServerHost)
	}
	if c.ServerPort < MinPortNumber || c.ServerPort > MaxPortNumber {
		return fmt.Errorf("invalid %s: must be in range %d..%d", EnvServerPort, MinPortNumber, MaxPortNumber)
	}
	if c.ServerReadTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerReadTimeoutSec)
	}
	if c.ServerWriteTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerWriteTimeoutSec)
	}
	if c.ServerIdleTimeoutSec <= 0 {
		return fmt.Errorf("invalid %s: must be > 0", EnvServerIdleTimeoutSec)
	}
	if c.Firmware.Bucket == "" && c.Firmware.Dir == "" {
		return fmt.Errorf("invalid config: one of %s or %s is required", EnvFirmwareDir, EnvFirmwareBucket)
	}
	if c.Firmware.Filename == "" || strings.ContainsAny(c.Firmware.Filename, "/\\") || strings.HasSuffix(c.Firmware.Filename, ".attrs") {
		return fmt.Errorf("invalid %s: must be a plain file name", EnvFirmwareFilename)
	}
	if c.Firmware.Version == "" {
		return fmt.Errorf("invalid %s: must not be empty", EnvFirmwareVersion)
	}
	switch c.RoutePrefix {
	case RoutePrefixAPI, RoutePrefixRoot, RoutePrefixBoth:
	default:
		return fmt.Errorf("invalid %s: must be %q, %q or %q", EnvRoutePrefix, RoutePrefixAPI, RoutePrefixRoot, RoutePrefixBoth)
	}
	switch c.UpdatePolicy {
	case PolicyAlwaysAvailable, PolicyCompareSemver:
	default:
		return fmt.Errorf("invalid %s: must be %q or %q", EnvUpdatePolicy, PolicyAlwaysAvailable, PolicyCompareSemver)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("invalid %s: must be %q or %q", EnvLogFormat, LogFormatConsole, LogFormatJSON)
	}
	return nil
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ServerReadTimeoutSec) * time.Second
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.ServerWriteTimeoutSec) * time.Second
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.ServerIdleTimeoutSec) * time.Second
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnvOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

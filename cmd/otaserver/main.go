package main

import (
	"io"
	"os"
	"time"

	"github.com/kibshh/ota-gateway/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

var rootCmd = &cobra.Command{
	Use:   "otaserver",
	Short: "OTA firmware distribution server",
	Long: `otaserver answers device update checks, serves the published firmware image
(whole or by HTTP byte range) and records device acknowledgments.`,
	SilenceUsage: true,
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogFormat  string
)

func init() {
	setupLogging("info", config.LogFormatConsole)
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "YAML config file; OTA_* environment variables override it")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level, overrides OTA_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "", "console or json, overrides OTA_LOG_FORMAT")
	rootCmd.AddCommand(
		newServeCmd(),
		newFirmwareCmd(),
		newProbeCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("otaserver command failed")
	}
}

// loadConfig reads file and environment configuration and applies the
// persistent logging flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if rootLogLevel != "" {
		cfg.LogLevel = rootLogLevel
	}
	if rootLogFormat != "" {
		cfg.LogFormat = rootLogFormat
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if path := config.DotEnvPath(); path != "" {
		log.Debug().Str("dotenv", path).Msg("environment loaded from file")
	}
	return cfg, nil
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if format == config.LogFormatJSON {
		out = os.Stderr
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

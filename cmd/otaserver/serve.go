package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kibshh/ota-gateway/internal/ack"
	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/kibshh/ota-gateway/internal/config"
	"github.com/kibshh/ota-gateway/internal/device"
	"github.com/kibshh/ota-gateway/internal/server"
	"github.com/kibshh/ota-gateway/internal/update"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	host        string
	port        int
	firmwareDir string
	bucket      string
	publicHost  string
	policy      string
	routes      string
	cors        bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OTA HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Handle graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
					cancel()
				case <-ctx.Done():
				}
			}()

			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.host, "host", "", "listen host, overrides OTA_SERVER_HOST")
	f.IntVar(&flags.port, "port", 0, "listen port, overrides OTA_SERVER_PORT")
	f.StringVar(&flags.firmwareDir, "firmware-dir", "", "local firmware directory, overrides OTA_FIRMWARE_DIR")
	f.StringVar(&flags.bucket, "bucket", "", "firmware bucket URL (file://, s3://, gs://), overrides OTA_FIRMWARE_BUCKET")
	f.StringVar(&flags.publicHost, "public-host", "", "public host for download URLs, overrides OTA_PUBLIC_HOST")
	f.StringVar(&flags.policy, "policy", "", "update policy: always-available or compare-semver")
	f.StringVar(&flags.routes, "routes", "", "route families: api, root or both")
	f.BoolVar(&flags.cors, "cors", true, "send permissive CORS headers")
	return cmd
}

func (f serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.ServerHost = f.host
	}
	if changed("port") {
		cfg.ServerPort = f.port
	}
	if changed("firmware-dir") {
		cfg.Firmware.Dir = f.firmwareDir
	}
	if changed("bucket") {
		cfg.Firmware.Bucket = f.bucket
	}
	if changed("public-host") {
		cfg.PublicHost = f.publicHost
	}
	if changed("policy") {
		cfg.UpdatePolicy = f.policy
	}
	if changed("routes") {
		cfg.RoutePrefix = f.routes
	}
	if changed("cors") {
		cfg.CORSEnabled = f.cors
	}
}

func run(ctx context.Context, cfg config.Config) error {
	bucket, err := artifact.OpenBucket(ctx, cfg.Firmware.Bucket, cfg.Firmware.Dir)
	if err != nil {
		return err
	}
	defer bucket.Close()

	policy, err := update.ParsePolicy(cfg.UpdatePolicy)
	if err != nil {
		return errors.Wrap(err, "update policy")
	}

	store := artifact.NewBlobStore(bucket)
	catalog := artifact.NewCatalog(store, artifact.Descriptor{
		Version:   cfg.Firmware.Version,
		Filename:  cfg.Firmware.Filename,
		PublishID: cfg.Firmware.ID,
	})

	if catalog.Available(ctx) {
		log.Info().Str("filename", cfg.Firmware.Filename).Str("version", cfg.Firmware.Version).Msg("firmware published")
	} else {
		log.Warn().Str("filename", cfg.Firmware.Filename).Msg("firmware file not found, checks will report no update")
	}

	srv := server.New(
		server.Config{
			Host:         cfg.ServerHost,
			Port:         cfg.ServerPort,
			ReadTimeout:  cfg.ReadTimeout(),
			WriteTimeout: cfg.WriteTimeout(),
			IdleTimeout:  cfg.IdleTimeout(),
			CORSEnabled:  cfg.CORSEnabled,
			Routes:       server.RoutePrefix(cfg.RoutePrefix),
			PublicHost:   cfg.PublicHost,
		},
		catalog,
		artifact.NewDownloader(store),
		update.NewEngine(policy),
		device.NoopAuthenticator{},
		ack.NewLogSink(log.Logger),
	)

	// Start server (blocks until context is cancelled)
	return srv.Start(ctx)
}

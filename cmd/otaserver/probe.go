package main

import (
	"github.com/kibshh/ota-gateway/internal/probe"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	opts := probe.DefaultOptions()
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Exercise a running server the way a device would",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(rootLogLevel, rootLogFormat)

			results := probe.Run(cmd.Context(), opts)
			for _, r := range results {
				ev := log.Info()
				if !r.Passed {
					ev = log.Error()
				}
				ev.Str("step", r.Name).Bool("passed", r.Passed).Msg(r.Detail)
			}
			if !probe.Passed(results) {
				return errors.New("probe failed")
			}
			log.Info().Int("steps", len(results)).Msg("all probe steps passed")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.BaseURL, "url", opts.BaseURL, "server base URL")
	f.StringVar(&opts.Prefix, "prefix", opts.Prefix, `route prefix, "/api" or ""`)
	f.StringVar(&opts.DeviceID, "device", opts.DeviceID, "device id to report")
	f.StringVar(&opts.FirmwareVersion, "version", opts.FirmwareVersion, "firmware version to report")
	f.StringVar(&opts.Filename, "filename", opts.Filename, "firmware file to fetch when no update is offered")
	f.Int64Var(&opts.ChunkSize, "chunk", opts.ChunkSize, "range chunk size in bytes")
	f.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "per-request timeout")
	return cmd
}

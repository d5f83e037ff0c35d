package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
)

func newFirmwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Manage the published firmware artifact",
	}
	cmd.AddCommand(newFirmwareGenerateCmd(), newFirmwareStatusCmd())
	return cmd
}

func newFirmwareGenerateCmd() *cobra.Command {
	var (
		sizeKB   int
		version  string
		filename string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic test image into the firmware store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if filename == "" {
				filename = cfg.Firmware.Filename
			}
			if version == "" {
				version = cfg.Firmware.Version
			}
			packed, err := strconv.ParseUint(version, 0, 32)
			if err != nil {
				return errors.Wrapf(err, "version %q must be a packed integer such as 0x00020000", version)
			}
			if sizeKB <= 0 {
				return fmt.Errorf("--size-kb must be > 0")
			}
			size := sizeKB * 1024
			if size > artifact.SlotLimit {
				log.Warn().Int("size", size).Int("slot_limit", artifact.SlotLimit).Msg("image is larger than an OTA slot")
			}

			ctx := cmd.Context()
			bucket, err := artifact.OpenBucket(ctx, cfg.Firmware.Bucket, cfg.Firmware.Dir)
			if err != nil {
				return err
			}
			defer bucket.Close()

			sum, err := publishTestImage(ctx, bucket, filename, uint32(packed), size)
			if err != nil {
				return err
			}

			log.Info().
				Str("filename", filename).
				Str("version", fmt.Sprintf("0x%08X", packed)).
				Int("size", size).
				Str("md5", sum).
				Msg("test image written")
			return nil
		},
	}
	cmd.Flags().IntVar(&sizeKB, "size-kb", 512, "image size in KiB including the header")
	cmd.Flags().StringVar(&version, "version", "", "packed version stamped in the header (default OTA_FIRMWARE_VERSION)")
	cmd.Flags().StringVar(&filename, "filename", "", "object name (default OTA_FIRMWARE_FILENAME)")
	return cmd
}

// publishTestImage writes a test image to bucket under name and returns its
// hex MD5. A failed write is aborted so no partial object is committed.
func publishTestImage(ctx context.Context, bucket *blob.Bucket, name string, version uint32, size int) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", errors.Wrapf(err, "open %s for writing", name)
	}
	sum := md5.New()
	if err := artifact.WriteTestImage(io.MultiWriter(w, sum), version, size); err != nil {
		cancel()
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "write %s", name)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func newFirmwareStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the configured firmware is published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			bucket, err := artifact.OpenBucket(ctx, cfg.Firmware.Bucket, cfg.Firmware.Dir)
			if err != nil {
				return err
			}
			defer bucket.Close()

			catalog := artifact.NewCatalog(artifact.NewBlobStore(bucket), artifact.Descriptor{
				Version:   cfg.Firmware.Version,
				Filename:  cfg.Firmware.Filename,
				PublishID: cfg.Firmware.ID,
			})
			current, err := catalog.Current(ctx)
			if err != nil {
				return err
			}
			if current == nil {
				log.Warn().Str("filename", cfg.Firmware.Filename).Msg("firmware not published")
				return nil
			}
			log.Info().
				Str("filename", current.Filename).
				Str("version", current.Version).
				Str("id", current.PublishID).
				Int64("size", current.Size).
				Msg("firmware published")
			return nil
		},
	}
}

package ack

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each acknowledgment as one structured log event and keeps
// nothing.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Ingest(_ context.Context, rec Record) error {
	s.logger.Info().
		Str("device_id", rec.DeviceID).
		Time("received_at", rec.ReceivedAt).
		Interface("status", rec.Payload).
		Msg("[OTA ACK]")
	return nil
}

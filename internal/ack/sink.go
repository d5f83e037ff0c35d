package ack

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Record is a device's report after applying, or failing to apply, an update.
type Record struct {
	DeviceID   string
	Payload    map[string]any
	ReceivedAt time.Time
}

// Receipt is returned to the device for every acknowledgment.
type Receipt struct {
	Accepted bool
	DeviceID string
}

// Sink defines the interface for acknowledgment ingestion (sink pattern)
// A sink only receives records, it does not return query results
type Sink interface {
	Ingest(ctx context.Context, rec Record) error
}

// Accept hands an acknowledgment to sink. It always accepts: a failing sink is
// logged and otherwise ignored.
func Accept(ctx context.Context, sink Sink, deviceID string, payload map[string]any) Receipt {
	rec := Record{
		DeviceID:   deviceID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	if sink != nil {
		if err := sink.Ingest(ctx, rec); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("device_id", deviceID).Msg("ack sink failed")
		}
	}
	return Receipt{Accepted: true, DeviceID: deviceID}
}

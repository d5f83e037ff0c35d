package server

import (
	"net/http"

	"github.com/kibshh/ota-gateway/internal/ack"
	"github.com/rs/zerolog/hlog"
)

type ackResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id"`
}

// handleAck receives a device's post-update status report.
// POST /ota/devices/{device_id}/ack
// Request:  any JSON object or form
// Response: {"status":"ok","device_id":"..."}
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	fields, err := readFields(w, r)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("device_id", deviceID).Msg("bad ack body")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt := ack.Accept(r.Context(), s.acks, deviceID, fields)

	writeJSON(w, http.StatusOK, ackResponse{
		Status:   "ok",
		DeviceID: receipt.DeviceID,
	})
}

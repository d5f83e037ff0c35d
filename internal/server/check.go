package server

import (
	"net/http"
	"strings"

	"github.com/kibshh/ota-gateway/internal/device"
	"github.com/kibshh/ota-gateway/internal/update"
	"github.com/rs/zerolog/hlog"
)

type checkErrorResponse struct {
	Error  string        `json:"error"`
	Status update.Status `json:"status"`
}

// handleCheck tells a device whether to update.
// POST /ota/devices/{device_id}/check
// Request:  {"firmware_version":"0x00010000","config_version":"...","secret":"..."} (JSON or form)
// Response: {"status":1,"version":"0x00020000","url":"...","size":524288,"id":"ota_update_001"}
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	logger := hlog.FromRequest(r)

	fields, err := readFields(w, r)
	if err != nil {
		logger.Debug().Err(err).Str("device_id", deviceID).Msg("bad check body")
		writeJSON(w, http.StatusBadRequest, checkErrorResponse{Error: "invalid request body", Status: update.StatusNoUpdate})
		return
	}

	req := update.Request{
		DeviceID:        deviceID,
		FirmwareVersion: stringField(fields, "firmware_version"),
		ConfigVersion:   stringField(fields, "config_version"),
		Secret:          stringField(fields, "secret"),
	}

	creds := device.Credentials{DeviceID: deviceID, Secret: req.Secret}
	if err := s.auth.Authenticate(r.Context(), creds); err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Msg("device rejected")
		writeJSON(w, http.StatusUnauthorized, checkErrorResponse{Error: "Unauthorized", Status: update.StatusNoUpdate})
		return
	}

	current, err := s.catalog.Current(r.Context())
	if err != nil {
		logger.Error().Err(err).Str("device_id", deviceID).Msg("firmware lookup failed")
		writeJSON(w, http.StatusInternalServerError, checkErrorResponse{Error: "firmware lookup failed", Status: update.StatusNoUpdate})
		return
	}

	resp := s.engine.Check(req, current, s.publicBaseURL(r))

	event := logger.Info()
	if resp.Status == update.StatusNoUpdate {
		event = logger.Debug()
	}
	event.Str("device_id", deviceID).
		Str("reported_version", req.FirmwareVersion).
		Str("config_version", req.ConfigVersion).
		Uint8("status", uint8(resp.Status)).
		Str("url", resp.URL).
		Msg("update check")

	writeJSON(w, http.StatusOK, resp)
}

// publicBaseURL is the absolute prefix that firmware download routes hang
// off for this request.
func (s *Server) publicBaseURL(r *http.Request) string {
	var base string
	if host := strings.TrimSpace(s.cfg.PublicHost); host != "" {
		if strings.Contains(host, "://") {
			base = host
		} else {
			base = "https://" + host
		}
	} else {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
		}
		base = scheme + "://" + r.Host
	}

	base = strings.TrimRight(base, "/")
	if s.cfg.Routes != RoutesRoot {
		base += "/api"
	}
	return base
}

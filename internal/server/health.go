package server

import (
	"net/http"
)

type healthResponse struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	FirmwareAvailable bool   `json:"firmware_available"`
}

type rootResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type notFoundResponse struct {
	Error              string   `json:"error"`
	AvailableEndpoints []string `json:"available_endpoints"`
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "healthy",
		Service:           ServiceName,
		FirmwareAvailable: s.catalog.Available(r.Context()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Status:  "ok",
		Service: ServiceName,
		Version: ServiceVersion,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, notFoundResponse{
		Error:              "Not found",
		AvailableEndpoints: s.endpoints(),
	})
}

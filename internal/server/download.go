package server

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/kibshh/ota-gateway/internal/byterange"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const copyBufferSize = 32 * 1024

// handleFirmwareDownload streams a firmware file, whole or by byte range.
// GET /firmware/{filename}
// Range: bytes=<start>-<end> → 206 with Content-Range
func (s *Server) handleFirmwareDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	logger := hlog.FromRequest(r)

	dl, err := s.downloader.Serve(r.Context(), name, r.Header.Get("Range"))
	if err != nil {
		var unsatisfiable *byterange.UnsatisfiableError
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			logger.Warn().Str("filename", name).Msg("firmware not found")
			writeError(w, http.StatusNotFound, "Firmware not found")
		case errors.As(err, &unsatisfiable):
			logger.Info().Err(err).Str("filename", name).Msg("range not satisfiable")
			w.Header().Set("Content-Range", unsatisfiable.ContentRange())
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "Range not satisfiable")
		default:
			logger.Error().Err(err).Str("filename", name).Msg("firmware open failed")
			writeError(w, http.StatusInternalServerError, "firmware read failed")
		}
		return
	}
	defer dl.Body.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(dl.Length, 10))

	status := http.StatusOK
	if dl.Partial() {
		status = http.StatusPartialContent
		h.Set("Content-Range", dl.Range.ContentRange())
		logger.Debug().Str("filename", name).Str("content_range", dl.Range.ContentRange()).Msg("sending partial content")
	} else {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		logger.Info().Str("filename", name).Int64("size", dl.Size).Msg("sending full firmware")
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.CopyBuffer(w, dl.Body, make([]byte, copyBufferSize))
	if err == nil && n < dl.Length {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		// Headers are already out; drop the connection so the device never
		// sees a short body as a complete one.
		logger.Error().Err(err).Str("filename", name).Int64("written", n).Int64("expected", dl.Length).Msg("firmware stream aborted")
		panic(http.ErrAbortHandler)
	}
}

package devbackend

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/arvyn/pkg/sidecar/submit"
)

type commandResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Upload too large.")
			return
		}
		writeDetail(w, http.StatusUnprocessableEntity, "Expected multipart form with audio_file.")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(submit.FieldName)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Field audio_file is required.")
		return
	}
	defer file.Close()

	if !strings.HasPrefix(strings.ToLower(header.Header.Get("Content-Type")), "audio/") {
		writeDetail(w, http.StatusBadRequest, "Invalid file type. Must be audio.")
		return
	}
	n, err := io.Copy(io.Discard, file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Could not read audio_file.")
		return
	}

	sessionID := s.opts.NewSessionID()
	if s.opts.Offline {
		s.logger.Warn("rejecting command; actuation offline", "session_id", sessionID)
		writeDetail(w, http.StatusServiceUnavailable, "Actuation system offline.")
		return
	}

	s.start(sessionID)
	s.logger.Info("command accepted", "session_id", sessionID, "bytes", n, "filename", header.Filename)
	writeJSON(w, http.StatusAccepted, commandResponse{Message: "Command initiated", SessionID: sessionID})
}

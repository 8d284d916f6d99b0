package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
	"github.com/wesleyorama2/smtpload/internal/loadtest/config"
	"github.com/wesleyorama2/smtpload/internal/loadtest/engine"
	"github.com/wesleyorama2/smtpload/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type validationResponse struct {
	Error   string                    `json:"error"`
	Details []*config.ValidationError `json:"details"`
}

type runResponse struct {
	RunID string             `json:"runId"`
	State *loadtest.RunState `json:"state,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC(),
		"activeRuns": len(s.ctrl.Active()),
	})
}

func (s *Server) startTest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	cfg, err := config.ParseConfig(body, "request.json")
	if err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			respondValidation(w, verrs)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.Message.Attachment != "" && !s.inUploadDir(cfg.Message.Attachment) {
		verrs := &config.ValidationErrors{}
		verrs.Add("message.attachment", "attachment must be uploaded through /api/upload/attachment")
		respondValidation(w, verrs)
		return
	}
	if s.defaultTimeout > 0 && !gjson.GetBytes(body, "server.timeout").Exists() {
		cfg.Server.Timeout = config.Duration(s.defaultTimeout)
	}

	handle, err := s.ctrl.Start(r.Context(), cfg)
	if err != nil {
		s.respondStartError(w, err)
		return
	}

	state, _ := s.ctrl.Snapshot(handle.ID)
	respondJSON(w, http.StatusCreated, runResponse{RunID: handle.ID, State: state})
}

func respondValidation(w http.ResponseWriter, verrs *config.ValidationErrors) {
	respondJSON(w, http.StatusBadRequest, validationResponse{
		Error:   "invalid configuration",
		Details: verrs.Errors,
	})
}

// inUploadDir reports whether path names a file inside the upload directory.
func (s *Server) inUploadDir(path string) bool {
	dir, err := filepath.Abs(s.uploadDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// respondStartError maps Start failures: invalid config 400, SMTP
// connection 502, anything else 500.
func (s *Server) respondStartError(w http.ResponseWriter, err error) {
	var verrs *config.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		respondValidation(w, verrs)
	case errors.Is(err, engine.ErrInvalidConfig):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrConnection):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("failed to start run", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to start run")
	}
}

func (s *Server) getTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if state, ok := s.ctrl.Snapshot(id); ok {
		respondJSON(w, http.StatusOK, state)
		return
	}

	if s.store == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	state, err := s.store.GetRun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("failed to load run", zap.String("runId", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load run")
	default:
		respondJSON(w, http.StatusOK, state)
	}
}

func (s *Server) activeTests(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Active())
}

func (s *Server) testResults(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.store == nil {
		respondJSON(w, http.StatusOK, []*loadtest.RunState{})
		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if runs == nil {
		runs = []*loadtest.RunState{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) stopTest(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Stop)
}

func (s *Server) pauseTest(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Pause)
}

func (s *Server) resumeTest(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Resume)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "id")

	if err := op(id); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run control failed", zap.String("runId", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "operation failed")
		return
	}

	state, _ := s.ctrl.Snapshot(id)
	respondJSON(w, http.StatusOK, runResponse{RunID: id, State: state})
}

// uploadRecipients accepts a text or CSV list, either as the raw body or as
// the "file" field of a multipart form.
func (s *Server) uploadRecipients(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<10)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()
		src = file
	}

	recipients, err := config.ReadRecipients(src, MaxUploadSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(recipients) == 0 {
		respondError(w, http.StatusBadRequest, "no email addresses found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": recipients,
		"count":      len(recipients),
	})
}

// uploadAttachment stores the "file" field under the upload directory and
// returns the path to use as message.attachment.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<10)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.logger.Error("failed to create upload directory", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	name := sanitizeFilename(header.Filename)
	path := filepath.Join(s.uploadDir, fmt.Sprintf("%s-%s", uuid.NewString()[:8], name))

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		s.logger.Error("failed to create attachment", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	size, err := io.Copy(out, io.LimitReader(file, MaxUploadSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil || size > MaxUploadSize {
		os.Remove(path)
		if size > MaxUploadSize {
			respondError(w, http.StatusRequestEntityTooLarge, "attachment exceeds 10MB")
			return
		}
		s.logger.Error("failed to write attachment", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"path":     path,
		"filename": name,
		"size":     size,
	})
}

// sanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9._-].
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if clean == "" || clean == "." || clean == ".." {
		return "attachment"
	}
	return clean
}

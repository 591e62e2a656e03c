package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/logger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

// writeManagerError maps assembly errors onto HTTP statuses.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assembly.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, assembly.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err)
	case errors.Is(err, assembly.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", err)
	case errors.Is(err, assembly.ErrContextTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "context_too_large", err)
	case errors.Is(err, assembly.ErrInvalidContextPath),
		errors.Is(err, assembly.ErrBaseResolution):
		writeError(w, http.StatusBadRequest, "invalid_request", err)
	default:
		writeError(w, http.StatusBadRequest, "error", err)
	}
}

// CreateAssembly accepts either a JSON request (server-local directory or
// git URL context) or a multipart request with a "config" JSON part and a
// "context" tar.gz part.
func (s *ApiService) CreateAssembly(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("parse content type: %w", err))
		return
	}

	var req assembly.CreateAssemblyRequest
	var contextArchive io.Reader

	switch {
	case mediaType == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode request: %w", err))
			return
		}

	case strings.HasPrefix(mediaType, "multipart/"):
		reader, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
		part, err := reader.NextPart()
		if err != nil || part.FormName() != "config" {
			writeError(w, http.StatusBadRequest, "invalid_request", errors.New("first multipart field must be \"config\""))
			return
		}
		if err := json.NewDecoder(part).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("decode config part: %w", err))
			return
		}
		part, err = reader.NextPart()
		if err != nil || part.FormName() != "context" {
			writeError(w, http.StatusBadRequest, "invalid_request", errors.New("second multipart field must be \"context\""))
			return
		}
		contextArchive = part

	default:
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request", fmt.Errorf("unsupported content type %s", mediaType))
		return
	}

	rec, err := s.AssemblyManager.CreateAssembly(r.Context(), req, contextArchive)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

func (s *ApiService) ListAssemblies(w http.ResponseWriter, r *http.Request) {
	records, err := s.AssemblyManager.ListAssemblies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error", err)
		return
	}
	if records == nil {
		records = []*assembly.Assembly{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *ApiService) GetAssembly(w http.ResponseWriter, r *http.Request) {
	rec, err := s.AssemblyManager.GetAssembly(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *ApiService) DeleteAssembly(w http.ResponseWriter, r *http.Request) {
	if err := s.AssemblyManager.DeleteAssembly(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiService) GetAssemblyLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.AssemblyManager.GetAssemblyLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(logs)
}

func (s *ApiService) GetAssemblyRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := s.AssemblyManager.RenderRecipe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, recipe)
}

// StreamAssemblyEvents streams status transitions as server-sent events
// until the assembly reaches a terminal state or the client disconnects.
func (s *ApiService) StreamAssemblyEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	rec, err := s.AssemblyManager.GetAssembly(r.Context(), id)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "error", errors.New("streaming unsupported"))
		return
	}

	updates, cancel, err := s.AssemblyManager.Subscribe(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(update assembly.ProgressUpdate) bool {
		data, err := json.Marshal(update)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			log.DebugContext(r.Context(), "sse client gone", "id", id)
			return false
		}
		flusher.Flush()
		return update.Status != assembly.StatusReady && update.Status != assembly.StatusFailed
	}

	// The current state first, so late subscribers of finished assemblies
	// are not left hanging.
	if !send(assembly.ProgressUpdate{Status: rec.Status, FailedStep: rec.FailedStep, Error: rec.Error}) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if !send(update) {
				return
			}
		}
	}
}

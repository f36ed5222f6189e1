package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/segment_downloader/internal/cleanup"
	"github.com/italolelis/segment_downloader/internal/downloader"
	"github.com/italolelis/segment_downloader/internal/logctx"
	"github.com/italolelis/segment_downloader/internal/storage"
)

const maxRequestSize = 64 * 1024

// DownloadService is the part of the coordinator exposed over HTTP.
type DownloadService interface {
	StartNew(ctx context.Context, req downloader.Request) (storage.FileState, error)
	Resume(ctx context.Context, url string) (storage.FileState, error)
	Pause(ctx context.Context, url string) error
	Delete(ctx context.Context, url string) error
	Status(ctx context.Context, url string) (downloader.Status, error)
	Verify(ctx context.Context, url string) (downloader.Status, error)
	List(ctx context.Context, state *storage.State) ([]storage.FileState, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadHandler struct {
	svc       DownloadService
	targetDir string
	username  string
	password  string
}

// NewDownloadHandler creates the downloads API. Basic auth is enforced when username is not empty.
func NewDownloadHandler(svc DownloadService, targetDir, username, password string) *DownloadHandler {
	return &DownloadHandler{
		svc:       svc,
		targetDir: targetDir,
		username:  username,
		password:  password,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/downloads", h.HandleStart)
	r.Get("/downloads", h.HandleList)
	r.Delete("/downloads", h.HandleDelete)
	r.Get("/downloads/status", h.HandleStatus)
	r.Get("/downloads/verify", h.HandleVerify)
	r.Post("/downloads/pause", h.HandlePause)
	r.Post("/downloads/resume", h.HandleResume)

	return r
}

func (h *DownloadHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req downloader.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	fs, err := h.svc.StartNew(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, fs)
}

func (h *DownloadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var filter *storage.State

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := storage.ParseState(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

			return
		}

		filter = &state
	}

	files, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if files == nil {
		files = []storage.FileState{}
	}

	writeJSON(w, http.StatusOK, files)
}

func (h *DownloadHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	url, ok := requireURL(w, r)
	if !ok {
		return
	}

	st, err := h.svc.Status(r.Context(), url)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (h *DownloadHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	url, ok := requireURL(w, r)
	if !ok {
		return
	}

	st, err := h.svc.Verify(r.Context(), url)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	url, ok := requireURL(w, r)
	if !ok {
		return
	}

	if err := h.svc.Pause(r.Context(), url); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	url, ok := requireURL(w, r)
	if !ok {
		return
	}

	fs, err := h.svc.Resume(r.Context(), url)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, fs)
}

func (h *DownloadHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	url, ok := requireURL(w, r)
	if !ok {
		return
	}

	var (
		name    string
		tracked bool
	)

	deleteData := r.URL.Query().Get("delete_data") == "true"
	if deleteData {
		st, err := h.svc.Status(r.Context(), url)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, r, err)

			return
		}

		name, tracked = st.File.Name, err == nil
	}

	if err := h.svc.Delete(r.Context(), url); err != nil {
		h.writeError(w, r, err)

		return
	}

	if deleteData && tracked {
		if err := cleanup.RemoveTarget(h.targetDir, url, name); err != nil {
			h.writeError(w, r, fmt.Errorf("failed to remove downloaded data: %w", err))

			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *DownloadHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps coordinator and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrAlreadyDownloading),
		errors.Is(err, downloader.ErrNotDownloading),
		errors.Is(err, storage.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, storage.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requireURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing url query parameter"})

		return "", false
	}

	return url, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"matchstream/internal/finalize"
	"matchstream/internal/platform/metrics"
	"matchstream/internal/session"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the session HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/playback", h.GetPlayback)
		r.Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/chunks/{file}", h.GetChunk)
		r.Get("/vod", h.GetVOD)
		r.Post("/finalize", h.Finalize)
		// Manifest entries are bare file names, resolved next to playlist.m3u8.
		r.Get("/{file}", h.GetManifestChunk)
	})
}

// Error is the JSON body of a failed finalize request.
type Error struct {
	Error string `json:"error"`
}

// GetPlayback handles GET /sessions/{session_id}/playback.
func (h *Handler) GetPlayback(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "session_id"))

	p, ok, err := h.svc.GetPlayback(id)
	if err != nil {
		h.log.Error("playback manifest failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(p)
}

// GetPlaylist handles GET /sessions/{session_id}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "session_id"))

	m3u8, ok, err := h.svc.GetPlaylist(id)
	if err != nil {
		h.log.Error("read playlist failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(m3u8)
}

// GetChunk handles GET /sessions/{session_id}/chunks/{file}. Range requests
// are honoured.
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "session_id"))
	file := chi.URLParam(r, "file")

	p, ok, err := h.svc.ChunkPath(id, file)
	switch {
	case errors.Is(err, ErrInvalidChunk):
		w.WriteHeader(http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error("resolve chunk failed", slog.String("session_id", string(id)), slog.String("chunk", file), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if h.serveFile(w, r, p, session.MimeType(filepath.Ext(file))) {
		h.metrics.IncChunksServed()
	}
}

// GetManifestChunk handles GET /sessions/{session_id}/{file}, the chunk URL an
// HLS client derives from playlist.m3u8. Other names are unknown routes.
func (h *Handler) GetManifestChunk(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := session.ParseChunkName(chi.URLParam(r, "file")); !ok {
		http.NotFound(w, r)
		return
	}
	h.GetChunk(w, r)
}

// GetVOD handles GET /sessions/{session_id}/vod.
func (h *Handler) GetVOD(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "session_id"))

	vod, ok, err := h.svc.GetVOD(id)
	switch {
	case errors.Is(err, ErrNotFinalized):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("resolve vod failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if vod.URL != "" {
		http.Redirect(w, r, vod.URL, http.StatusFound)
		return
	}
	h.serveFile(w, r, vod.Path, session.MimeType(finalize.OutputExt))
}

// serveFile streams path with the given content type and reports whether
// the file could be opened.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) bool {
	f, err := os.Open(path)
	if err != nil {
		// Removed between the lookup and the open.
		w.WriteHeader(http.StatusNotFound)
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	return true
}

// Finalize handles POST /sessions/{session_id}/finalize?ext=webm.
// The run is detached from the request so a dropped client does not kill
// the encoder half way.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id := session.ID(chi.URLParam(r, "session_id"))
	ext := r.URL.Query().Get("ext")

	res, err := h.svc.Finalize(context.WithoutCancel(r.Context()), id, ext)
	if err != nil {
		status := finalizeStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("finalize failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		} else {
			h.log.Info("finalize rejected", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		}
		writeJSON(w, status, Error{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func finalizeStatus(err error) int {
	switch {
	case errors.Is(err, finalize.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, finalize.ErrNoChunks):
		return http.StatusUnprocessableEntity
	case errors.Is(err, finalize.ErrAlreadyFinalized), errors.Is(err, finalize.ErrInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package serving

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
)

// Response statuses.
const (
	StatusOK         = "ok"
	StatusNotFound   = "not_found"
	StatusNotReady   = "not_ready"
	StatusBadRequest = "bad_request"
	StatusError      = "error"
)

const (
	maxRequestBytes   = 64 << 10
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

const (
	logMsgFetchFailed    = "Fetch failed: %v"
	logMsgArtifactFailed = "Artifact download of '%s' failed: %v"
	logMsgListening      = "Serving HTTP on %s."
	logMsgServeFailed    = "HTTP server failed: %v"
	logMsgShutdownFailed = "HTTP shutdown error: %v"
)

// FetchRequest is the body of POST /api/fetch.
type FetchRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

// FetchResponse is the body of every /api/fetch reply. Only ok replies carry a payload.
type FetchResponse struct {
	Status         string        `json:"status"`
	DocumentBase64 string        `json:"documentBase64,omitempty"`
	DocumentName   string        `json:"documentName,omitempty"`
	Manifest       core.Manifest `json:"manifest,omitempty"`
}

// Handler serves the fetch entry point, audio artifacts, health and metrics.
type Handler struct {
	gate        *Gate
	store       core.ObjectStore
	audioPrefix string
	log         *logger.Logger
	mux         *http.ServeMux
}

// NewHandler wires the routes. metrics may be nil.
func NewHandler(gate *Gate, store core.ObjectStore, audioPrefix string, metrics http.Handler, log *logger.Logger) *Handler {
	h := &Handler{
		gate:        gate,
		store:       store,
		audioPrefix: strings.TrimSuffix(audioPrefix, "/") + "/",
		log:         log,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/fetch", h.handleFetch)
	h.mux.HandleFunc("GET /api/artifact", h.handleArtifact)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)

	if metrics != nil {
		h.mux.Handle("GET /metrics", metrics)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusOnly(StatusBadRequest))

		return
	}

	result, err := h.gate.Fetch(r.Context(), req.Identity, req.Secret)

	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, statusOnly(StatusNotFound))
	case errors.Is(err, ErrNotReady):
		writeJSON(w, http.StatusConflict, statusOnly(StatusNotReady))
	case err != nil:
		h.log.Error(logMsgFetchFailed, err)
		writeJSON(w, http.StatusInternalServerError, statusOnly(StatusError))
	default:
		writeJSON(w, http.StatusOK, FetchResponse{
			Status:         StatusOK,
			DocumentBase64: base64.StdEncoding.EncodeToString(result.Document),
			DocumentName:   result.DocumentName,
			Manifest:       result.Manifest,
		})
	}
}

func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if !strings.HasPrefix(key, h.audioPrefix) || path.Clean(key) != key {
		http.NotFound(w, r)

		return
	}

	_, found, err := h.store.Stat(r.Context(), key)
	if err == nil && !found {
		http.NotFound(w, r)

		return
	}

	var data []byte
	if err == nil {
		data, err = h.store.Download(r.Context(), key)
	}

	if err != nil {
		h.log.Error(logMsgArtifactFailed, key, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", contentTypeWAV)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": path.Base(key)}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func statusOnly(status string) FetchResponse {
	return FetchResponse{Status: status, DocumentBase64: "", DocumentName: "", Manifest: nil}
}

func writeJSON(w http.ResponseWriter, code int, body FetchResponse) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info(logMsgListening, addr)

		serveErr := server.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error(logMsgServeFailed, serveErr)
			errCh <- serveErr
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Error(logMsgShutdownFailed, shutdownErr)

		return shutdownErr
	}

	return nil
}

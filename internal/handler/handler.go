package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"hakanai/internal/attachment"
	"hakanai/internal/chat"
	"hakanai/internal/config"
	"hakanai/internal/errs"
	"hakanai/internal/metrics"
	"hakanai/internal/registry"
	"hakanai/internal/store"
)

// Handler holds application dependencies
type Handler struct {
	Store       store.Store
	Config      config.Config
	Attachments attachment.Store
	Rooms       *registry.Registry
	Router      *chat.Router
	Seen        *chat.SeenTracker
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

// New creates a new Handler with the given dependencies. now stamps seen_at;
// nil means time.Now.
func New(st store.Store, attachments attachment.Store, cfg config.Config, log *slog.Logger, m *metrics.Metrics, now func() time.Time) *Handler {
	rooms := registry.New(log, m)
	return &Handler{
		Store:       st,
		Config:      cfg,
		Attachments: attachments,
		Rooms:       rooms,
		Router:      chat.NewRouter(st, rooms, attachments, log, m, cfg.MaxContentLength),
		Seen:        chat.NewSeenTracker(st, rooms, log, m, now, cfg.StrictSeenAck),
		Metrics:     m,
		Log:         log,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	r.HandleFunc("/api/login", h.Login).Methods("POST")
	r.HandleFunc("/api/users", h.ListUsers).Methods("GET")
	r.HandleFunc("/api/messages", h.GetConversation).Methods("GET")
	r.HandleFunc("/api/upload", h.Upload).Methods("POST")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")

	// ローカル保存の添付ファイルはそのまま配信する
	if local, ok := h.Attachments.(*attachment.LocalStore); ok {
		prefix := "/" + strings.Trim(h.Config.UploadURLPrefix, "/") + "/"
		r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(local.Dir())))).Methods("GET")
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

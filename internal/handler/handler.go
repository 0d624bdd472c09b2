package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/viva/internal/i18n"
	"github.com/pavelanni/viva/internal/model"
	"github.com/pavelanni/viva/internal/store"
	"github.com/pavelanni/viva/internal/viva"
)

const defaultListLimit = 50

// Handler holds shared dependencies for HTTP and WebSocket handlers.
type Handler struct {
	store    *store.Store
	viva     *viva.Orchestrator
	config   model.VivaConfig
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// New creates a new Handler.
func New(s *store.Store, o *viva.Orchestrator, cfg model.VivaConfig) (*Handler, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if o == nil {
		return nil, errors.New("orchestrator is required")
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins[origin] = struct{}{}
		}
	}

	return &Handler{
		store:   s,
		viva:    o,
		config:  cfg,
		origins: origins,
		upgrader: websocket.Upgrader{
			// Origins are checked before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/healthz", h.handleHealth)
	r.Get("/api/chapters", h.handleChapters)
	r.Get("/api/sessions", h.handleSessions)
	r.Get("/api/sessions/{id}", h.handleSession)
	r.Get("/ws/viva", h.handleViva)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := h.store.ChapterCount(ctx)
	if err != nil {
		slog.Error("count chapters", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(ctx, i18n.MsgErrorOccurred))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"title":     i18n.T(ctx, i18n.MsgAppTitle),
		"message":   i18n.T(ctx, i18n.MsgReady),
		"chapters":  i18n.Tp(ctx, i18n.MsgChaptersAvailable, count),
		"languages": i18n.Languages(),
		"websocket": h.config.BasePath + "/ws/viva",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleChapters(w http.ResponseWriter, r *http.Request) {
	chapters, err := h.store.ListChapters(r.Context())
	if err != nil {
		slog.Error("list chapters", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), i18n.MsgErrorOccurred))
		return
	}
	if chapters == nil {
		chapters = []model.ChapterSummary{}
	}
	writeJSON(w, http.StatusOK, chapters)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.store.ListReports(r.Context(), limit)
	if err != nil {
		slog.Error("list reports", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), i18n.MsgErrorOccurred))
		return
	}
	if sessions == nil {
		sessions = []model.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.GetReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		slog.Error("get report", "id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), i18n.MsgErrorOccurred))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

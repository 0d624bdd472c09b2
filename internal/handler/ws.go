package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/pavelanni/viva/internal/i18n"
	"github.com/pavelanni/viva/internal/model"
	"github.com/pavelanni/viva/internal/viva"
)

type feedbackMessage struct {
	Feedback feedbackBody `json:"feedback"`
}

type feedbackBody struct {
	SessionID string                       `json:"session_id"`
	Scores    map[string]model.ScoreTriple `json:"scores"`
	Feedback  string                       `json:"feedback"`
}

// handleViva runs vivas over one WebSocket connection. After each finished
// viva the client may select another chapter.
func (h *Handler) handleViva(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if h.config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.config.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	t := newWSTransport(conn, h.config.AnswerTimeout, cancel)
	defer t.stop()

	remote := r.RemoteAddr
	slog.Info("viva connection opened", "remote", remote)

	if err := t.send(map[string]string{
		"status":  "connected",
		"message": i18n.T(ctx, i18n.MsgReady),
	}); err != nil {
		return
	}

	for {
		f, err := t.next(ctx)
		if err != nil {
			slog.Info("viva connection closed", "remote", remote)
			return
		}

		sel, ok := parseSelection(f)
		if !ok {
			if err := t.sendError(i18n.T(ctx, i18n.MsgInvalidMessage)); err != nil {
				return
			}
			continue
		}

		slog.Info("viva started", "chapter", sel.Chapter, "grade", sel.Grade, "subject", sel.Subject)
		report, err := h.viva.RunChapter(ctx, sel, t)
		switch {
		case errors.Is(err, model.ErrInvalidSelection):
			if err := t.sendError(i18n.T(ctx, i18n.MsgInvalidSelection)); err != nil {
				return
			}
			continue
		case errors.Is(err, model.ErrChapterNotFound):
			slog.Info("chapter not found", "chapter", sel.Chapter, "grade", sel.Grade, "subject", sel.Subject)
			if err := t.sendError(i18n.T(ctx, i18n.MsgChapterNotFound)); err != nil {
				return
			}
			continue
		case errors.Is(err, viva.ErrDisconnected) || ctx.Err() != nil:
			slog.Info("viva client disconnected", "remote", remote, "chapter", sel.Chapter)
			return
		case err != nil:
			slog.Error("viva failed", "chapter", sel.Chapter, "error", err)
			msg := i18n.T(ctx, i18n.MsgErrorOccurred)
			_ = t.sendError(msg)
			t.closeWith(websocket.CloseInternalServerErr, msg)
			return
		}

		if err := t.send(feedbackMessage{Feedback: feedbackBody{
			SessionID: report.ID,
			Scores:    report.Scores,
			Feedback:  report.Feedback,
		}}); errors.Is(err, viva.ErrDisconnected) {
			slog.Info("viva client disconnected before feedback", "remote", remote, "id", report.ID)
		} else if err != nil {
			slog.Error("send feedback", "id", report.ID, "error", err)
		}

		// The report is kept even if the client left while feedback was
		// being written.
		if err := h.store.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			slog.Error("save report", "id", report.ID, "error", err)
			continue
		}
		slog.Info("viva finished", "id", report.ID, "concepts", len(report.Concepts))
		_ = t.send(map[string]string{
			"status":  "saved",
			"message": i18n.Td(ctx, i18n.MsgSessionSaved, map[string]any{"ID": report.ID}),
		})
	}
}

func parseSelection(f frame) (model.ChapterSelection, bool) {
	var sel model.ChapterSelection
	if f.kind != websocket.TextMessage {
		return sel, false
	}
	if err := json.Unmarshal(f.data, &sel); err != nil {
		return sel, false
	}
	return sel, true
}

// originAllowed checks the Origin header against the configured list.
// An empty list allows every origin.
func (h *Handler) originAllowed(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return false
	}
	_, ok := h.origins[origin]
	return ok
}

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/messenger/internal/media"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
)

// presenceView is a user's presence plus the number of live connections.
type presenceView struct {
	presence.Status
	Connections int `json:"connections"`
}

func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "presence is disabled")
		return
	}
	userID := chi.URLParam(r, "id")
	st, err := h.presence.Get(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusBadGateway, protocol.CodeUnavailable, err.Error())
		return
	}
	view := presenceView{Status: st}
	if h.sessions != nil {
		conns, err := h.sessions.ForUser(r.Context(), userID)
		if err != nil {
			h.log.Debug().Err(err).Str("user", userID).Msg("connection count unavailable")
		}
		view.Connections = len(conns)
	}
	writeJSON(w, http.StatusOK, view)
}

// heartbeat marks the caller online. Presence writes are best effort; a
// failure is logged and the request still succeeds.
func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "presence is disabled")
		return
	}
	user := caller(r).Profile.UserID
	if err := h.presence.MarkOnline(r.Context(), user); err != nil {
		h.log.Warn().Err(err).Str("user", user).Msg("heartbeat write failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) goOffline(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "presence is disabled")
		return
	}
	user := caller(r).Profile.UserID
	if err := h.presence.MarkOffline(r.Context(), user); err != nil {
		h.log.Warn().Err(err).Str("user", user).Msg("offline write failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveMedia streams a stored attachment with its sniffed content type.
func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	data, err := h.blobs.Get(r.Context(), chi.URLParam(r, "*"))
	if errors.Is(err, media.ErrNotFound) {
		respondError(w, http.StatusNotFound, codeNotFound, "no such file")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, protocol.CodeUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", media.ContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/whisper/messenger/internal/ban"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/media"
	"github.com/whisper/messenger/internal/protocol"
)

// Error codes only the REST surface produces.
const (
	codeUnauthorized = "unauthorized"
	codeSuspended    = "suspended"
	codeNotFound     = "not_found"
	codeTooLarge     = "too_large"
	codeInternal     = "internal"
)

// errorBody is the JSON shape of every error response. Text and ClientID are
// set on failed sends so the client can restore its input.
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	ClientID string `json:"client_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// respondErr maps err to a status and code and writes it.
func respondErr(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	respondError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case chat.IsValidation(err):
		return http.StatusBadRequest, protocol.CodeInvalid
	case errors.Is(err, chat.ErrPermissionDenied):
		return http.StatusForbidden, protocol.CodePermissionDenied
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, identity.ErrTokenMissing), errors.Is(err, identity.ErrTokenInvalid), errors.Is(err, identity.ErrTokenExpired):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, ban.ErrSuspended):
		return http.StatusForbidden, codeSuspended
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, codeTooLarge
	case chat.IsTransient(err):
		return http.StatusBadGateway, protocol.CodeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
)

// inboxEntry is one row of the caller's inbox.
type inboxEntry struct {
	Session chat.Session `json:"session"`
	Peer    string       `json:"peer_id"`
	Unread  int          `json:"unread"`
}

type sendRequest struct {
	ClientID string `json:"client_id" validate:"omitempty,max=64"`
	Kind     string `json:"kind" validate:"omitempty,oneof=text story_reply"`
	Text     string `json:"text" validate:"required"`
}

type typingRequest struct {
	IsTyping *bool `json:"is_typing" validate:"required"`
}

type historyQuery struct {
	Before int64 `json:"before" validate:"min=0"`
	Limit  int   `json:"limit" validate:"min=0,max=100"`
}

// conversationKey reads and checks the {key} path parameter. chi matches on
// the raw path when the request carried one, leaving the segment escaped.
func conversationKey(r *http.Request) (chat.ConversationKey, error) {
	raw := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		if s, err := url.PathUnescape(raw); err == nil {
			raw = s
		}
	}
	key := chat.ConversationKey(raw)
	if !key.Valid() {
		return "", &chat.ValidationError{Field: "conversation_key", Reason: "malformed conversation key"}
	}
	return key, nil
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	user := caller(r).Profile.UserID
	sessions, err := h.svc.ListForUser(r.Context(), user)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]inboxEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, inboxEntry{Session: s, Peer: s.Peer(user), Unread: s.UnreadFor(user)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

func (h *Handler) resolveConversation(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.Resolve(caller(r).Profile.UserID, r.URL.Query().Get("peer_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_key": string(key)})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var q historyQuery
	if err := parseHistoryQuery(r.URL.Query(), &q); err != nil {
		respondErr(w, err)
		return
	}

	user := caller(r).Profile.UserID
	var page chat.Page
	if q.Before > 0 {
		page, err = h.svc.FetchOlderThan(r.Context(), user, key, chat.Cursor(q.Before), q.Limit)
	} else {
		page, err = h.svc.FetchLatest(r.Context(), user, key, q.Limit)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseHistoryQuery(v url.Values, q *historyQuery) error {
	if s := v.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return &chat.ValidationError{Field: "before", Reason: "must be an integer"}
		}
		q.Before = n
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return &chat.ValidationError{Field: "limit", Reason: "must be an integer"}
		}
		q.Limit = n
	}
	return validateStruct(q)
}

// sendMessage sends a text or story_reply message. A failed send echoes the
// submitted text in the error body.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeParse, "malformed JSON body")
		return
	}
	failed := func(status int, code string, err error) {
		writeJSON(w, status, errorBody{Error: err.Error(), Code: code, ClientID: req.ClientID, Text: req.Text})
	}

	key, err := conversationKey(r)
	if err == nil {
		err = validateStruct(&req)
	}
	if err != nil {
		status, code := statusFor(err)
		failed(status, code, err)
		return
	}

	id := caller(r)
	if !h.allow(r, id.Profile.UserID, ratelimit.RuleSend) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "too many messages, slow down", Code: protocol.CodeRateLimited,
			ClientID: req.ClientID, Text: req.Text,
		})
		return
	}

	msg, err := h.svc.Send(r.Context(), chat.SendRequest{
		Sender:  id.Profile,
		Key:     key,
		Type:    chat.MessageType(req.Kind),
		Content: req.Text,
	})
	if err != nil {
		status, code := statusFor(err)
		failed(status, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.SentMsg{ClientID: req.ClientID, Message: msg})
}

// sendImage accepts a multipart upload in the "file" field and sends it as an
// image message.
func (h *Handler) sendImage(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	id := caller(r)
	if !h.allow(r, id.Profile.UserID, ratelimit.RuleSend) {
		respondError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many messages, slow down")
		return
	}

	// Room for the multipart framing around a maximal file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+64<<10)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		if status, code := statusFor(err); status == http.StatusRequestEntityTooLarge {
			respondError(w, status, code, "file is too large")
			return
		}
		respondError(w, http.StatusBadRequest, protocol.CodeInvalid, "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondErr(w, &chat.ValidationError{Field: "file", Reason: "is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondErr(w, err)
		return
	}

	msg, err := h.svc.Send(r.Context(), chat.SendRequest{
		Sender:     id.Profile,
		Key:        key,
		Type:       chat.TypeImage,
		Attachment: &chat.Attachment{Filename: header.Filename, Data: data},
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.SentMsg{Message: msg})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.svc.MarkRead)
}

func (h *Handler) hide(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.svc.HideFor)
}

// mutate runs a per-user session change. Conversations without messages
// answer 204.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, key chat.ConversationKey, userID string) (chat.Session, error)) {
	key, err := conversationKey(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	user := caller(r).Profile.UserID
	sess, err := fn(r.Context(), key, user)
	if err != nil {
		respondErr(w, err)
		return
	}
	if sess.Key == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, inboxEntry{Session: sess, Peer: sess.Peer(user), Unread: sess.UnreadFor(user)})
}

func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request) {
	if h.typing == nil {
		respondError(w, http.StatusNotFound, codeNotFound, "typing indicators are disabled")
		return
	}
	key, err := conversationKey(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var req typingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeParse, "malformed JSON body")
		return
	}
	if err := validateStruct(&req); err != nil {
		respondErr(w, err)
		return
	}

	user := caller(r).Profile.UserID
	if *req.IsTyping && !h.allow(r, user, ratelimit.RuleTyping) {
		respondError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many typing updates")
		return
	}
	if err := h.typing.Set(r.Context(), key, user, *req.IsTyping); err != nil {
		if status, _ := statusFor(err); status == http.StatusForbidden {
			respondErr(w, err)
			return
		}
		respondError(w, http.StatusBadGateway, protocol.CodeUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allow(r *http.Request, user string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(r.Context(), user, rule)
	return ok
}

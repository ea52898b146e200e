// Package api is the REST surface of the messenger: inbox and history reads,
// sends, read markers, typing and presence. It also mounts the WebSocket
// endpoint, blob serving, health and metrics on the same chi router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/ban"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
	"github.com/whisper/messenger/internal/typing"
)

// Sessions lists a user's live WebSocket connections across instances.
type Sessions interface {
	ForUser(ctx context.Context, userID string) ([]session.Session, error)
}

// Blobs reads stored attachments.
type Blobs interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gate refuses suspended users.
type Gate interface {
	Allowed(ctx context.Context, userID string) bool
}

// LiveStats reports the local WebSocket server's state for /health.
type LiveStats interface {
	ConnectionCount() int
	Uptime() time.Duration
}

// Deps are the collaborators of the router. Service and Auth are required;
// the rest switch their endpoints off when nil.
type Deps struct {
	Service        *chat.Service
	Auth           identity.Authenticator
	Presence       *presence.Tracker
	Typing         *typing.Tracker
	Sessions       Sessions
	Blobs          Blobs
	Limiter        Limiter
	Gate           Gate
	WebSocket      http.Handler
	Live           LiveStats
	MaxUploadBytes int64
}

// Handler serves the REST endpoints.
type Handler struct {
	svc       *chat.Service
	auth      identity.Authenticator
	presence  *presence.Tracker
	typing    *typing.Tracker
	sessions  Sessions
	blobs     Blobs
	limiter   Limiter
	gate      Gate
	live      LiveStats
	maxUpload int64
	log       zerolog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d Deps) http.Handler {
	h := &Handler{
		svc:       d.Service,
		auth:      d.Auth,
		presence:  d.Presence,
		typing:    d.Typing,
		sessions:  d.Sessions,
		blobs:     d.Blobs,
		limiter:   d.Limiter,
		gate:      d.Gate,
		live:      d.Live,
		maxUpload: d.MaxUploadBytes,
		log:       logging.Component("api"),
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 5 << 20
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())
	if d.WebSocket != nil {
		r.Handle("/ws", d.WebSocket)
	}
	if h.blobs != nil {
		r.Get("/media/*", h.serveMedia)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requestLogger(h.log))
		r.Use(h.authenticate)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.listConversations)
			r.Get("/resolve", h.resolveConversation)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/messages", h.history)
				r.Post("/messages", h.sendMessage)
				r.Post("/images", h.sendImage)
				r.Post("/read", h.markRead)
				r.Delete("/", h.hide)
				r.Put("/typing", h.setTyping)
			})
		})

		r.Get("/users/{id}/presence", h.getPresence)
		r.Post("/presence/heartbeat", h.heartbeat)
		r.Delete("/presence", h.goOffline)
	})
	return r
}

// authenticate rejects requests without a valid bearer token and stores the
// caller's identity on the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.TokenFromRequest(r)
		if token == "" {
			respondErr(w, identity.ErrTokenMissing)
			return
		}
		id, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			respondErr(w, err)
			return
		}
		if h.gate != nil && !h.gate.Allowed(r.Context(), id.Profile.UserID) {
			respondErr(w, ban.ErrSuspended)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.live != nil {
		body["connections"] = h.live.ConnectionCount()
		body["uptime_seconds"] = int64(h.live.Uptime().Seconds())
	}
	writeJSON(w, http.StatusOK, body)
}

// caller returns the authenticated identity set by authenticate.
func caller(r *http.Request) identity.Identity {
	id, _ := identity.FromContext(r.Context())
	return id
}

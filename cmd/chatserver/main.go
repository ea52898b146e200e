package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/messenger/internal/api"
	"github.com/whisper/messenger/internal/ban"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/config"
	"github.com/whisper/messenger/internal/gateway"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/media"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/postgres"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
	"github.com/whisper/messenger/internal/typing"
	"github.com/whisper/messenger/internal/ws"
)

func main() {
	log := logging.Component("main")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.Logging)
	log = logging.Component("main")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("name", cfg.Server.Name).
		Str("store", cfg.Store.Driver).
		Str("bus", cfg.Bus.Driver).
		Str("redis_addr", cfg.Redis.Addr).
		Int("worker_pool", cfg.WebSocket.WorkerPoolSize).
		Int("max_connections", cfg.WebSocket.MaxConnections).
		Msg("messenger starting")

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	// --- Document store ---
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Fan-out bus ---
	bus, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()
	fanout := live.NewFanout(bus)

	// --- Blob storage ---
	blobDB, err := media.OpenBadger(cfg.Media.Dir)
	if err != nil {
		return err
	}
	defer blobDB.Close()
	blobs := media.NewBadgerStore(blobDB, cfg.Media.BaseURL)

	svc := chat.NewService(store,
		chat.WithUploader(media.NewBridge(blobs, cfg.Media)),
		chat.WithNotifier(live.NewPublisher(bus)),
		chat.WithLogger(logging.Component("chat")))
	hub := live.NewHub(store, fanout, live.WithHubLogger(logging.Component("live")))

	presenceTracker := presence.NewTracker(rdb, cfg.Presence)
	registry := presence.NewRegistry(presenceTracker, logging.Component("presence"))
	defer registry.StopAll()
	typingTracker := typing.NewTracker(rdb, bus, fanout, cfg.Typing, logging.Component("typing"))
	limiter := ratelimit.NewLimiter(rdb, logging.Component("ratelimit"))
	sessions := session.NewStore(rdb, cfg.Server.Name)
	auth := identity.NewJWTAuthenticator(cfg.Auth)
	bans := ban.NewStore(rdb)

	// --- WebSocket ---
	dispatcher := ws.NewMessageDispatcher()
	wsServer, err := ws.NewServer(cfg.WebSocket, auth, dispatcher.Dispatch)
	if err != nil {
		return err
	}
	wsServer.SetSessionStore(sessions)
	wsServer.SetLimiter(limiter)
	wsServer.SetGate(bans)

	gw := gateway.New(svc, hub, typingTracker,
		gateway.WithLimiter(limiter),
		gateway.WithPresence(registry),
		gateway.WithLogger(logging.Component("gateway")))
	gw.Register(dispatcher)
	gw.Attach(wsServer)

	// --- HTTP ---
	httpServer := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: api.NewRouter(api.Deps{
			Service:        svc,
			Auth:           auth,
			Presence:       presenceTracker,
			Typing:         typingTracker,
			Sessions:       sessions,
			Blobs:          blobs,
			Limiter:        limiter,
			Gate:           bans,
			WebSocket:      wsServer,
			Live:           wsServer,
			MaxUploadBytes: cfg.Media.MaxBytes,
		}),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsServer.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore returns the configured chat.Store and its cleanup.
func openStore(ctx context.Context, cfg *config.Config) (chat.Store, func(), error) {
	if cfg.Store.Driver != config.StorePostgres {
		return chat.NewMemoryStore(), func() {}, nil
	}
	// Open applies migrations itself when postgres.migrate is set.
	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewStore(db), func() { db.Close() }, nil
}

// openBus returns the configured fan-out transport and its cleanup.
func openBus(cfg *config.Config) (live.Bus, func(), error) {
	if cfg.Bus.Driver != config.BusNATS {
		return live.NewLocalBus(), func() {}, nil
	}
	nc, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		return nil, nil, err
	}
	return nc, nc.Close, nil
}

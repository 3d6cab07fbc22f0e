package main

import (
	"chat-core/auth"
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/gateway"
	"chat-core/infrastructure/grpc/server"
	"chat-core/infrastructure/pubsub"
	"chat-core/infrastructure/storage"
	"chat-core/internal"
	"chat-core/moderation"
	"chat-core/notification"
	"chat-core/observability"
	"chat-core/presence"
	"chat-core/repositories"
	"chat-core/runtime"
	"chat-core/runtime/workers"
	"chat-core/services"
	diskstorage "chat-core/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Returning instead of exiting lets every defer (database, index, redis) run before the process ends.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	charReplacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)
	nodeID := config.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	ctx := context.Background()

	// 2. Storage (BadgerDB + Bluge)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	if logger.Enabled(ctx, slog.LevelDebug) {
		endpoint := "/inspect"
		logger.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, endpoint))
		database.StartDebugServer(db, config.DebugPort, endpoint, internal.InspectMapper)
	}

	blugeWriter, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	defer func() {
		logger.Info("Closing Bluge...")
		_ = blugeWriter.Close()
	}()

	// 3. Redis: shared rooms, messages, presence and the cross process bus. Without it the gateway runs alone
	// on BadgerDB. The notification queue and the search index stay local to each node.
	metrics := observability.NewMetrics()
	var roomStore repositories.IRoomRepository = repositories.NewRoomRepository(db, logger)
	var messages contract.IMessageStore = repositories.NewMessageRepository(db, logger, config.LimitMessages)
	var presenceStore contract.IPresenceStore = presence.NewMemoryStore()
	var bus contract.IBus
	var redisBus *pubsub.RedisBus
	var rdb *redis.Client
	if config.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: config.RedisAddr, Password: config.RedisPassword, DB: config.RedisDB})
		defer func() { _ = rdb.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return exitRuntime, fmt.Errorf("redis unreachable at %s: %w", config.RedisAddr, err)
		}
		roomStore = repositories.NewRedisRoomRepository(rdb, logger)
		messages = repositories.NewRedisMessageRepository(rdb, logger, config.LimitMessages)
		presenceStore = presence.NewRedisStore(rdb, logger)
		redisBus = pubsub.NewRedisBus(logger, rdb, nodeID)
		bus = redisBus
		logger.Info("Multi node mode", "node", nodeID, "redis", config.RedisAddr)
	}

	// 4. Domain components
	router := runtime.NewRouter(logger, nodeID, bus, metrics)
	registry := services.NewRoomRegistry(logger, roomStore)
	queue := storage.NewNotificationRepository(db, logger)

	var moderator *moderation.Moderator
	if words := internal.Words(config.CensoredWords); len(words) > 0 {
		if moderator, err = moderation.NewModerator(words, charReplacement, logger); err != nil {
			return exitConfig, fmt.Errorf("moderator init failed: %w", err)
		}
	}
	attachments, err := diskstorage.NewDiskStore(logger, config.AttachmentDir, config.AttachmentBaseURL, config.MaxAttachmentBytes)
	if err != nil {
		return exitRuntime, err
	}

	triggers := services.ParseTriggers(config.BotTriggers)
	var botInbox chan domain.Message
	if len(triggers) > 0 {
		botInbox = make(chan domain.Message, config.BotQueueSize)
	}

	chat := services.NewChatService(logger, services.ChatDependencies{
		Messages:    messages,
		Index:       repositories.NewMessageIndex(blugeWriter, logger),
		Rooms:       registry,
		Presence:    presenceStore,
		Router:      router,
		Notifier:    notification.NewDispatcher(logger, queue),
		Attachments: attachments,
		Moderator:   moderator,
		Bot:         botInbox,
		Metrics:     metrics,
	}, services.ChatConfig{
		PersistAttempts:  config.PersistAttempts,
		PersistBackoff:   config.PersistBackoff,
		MaxContentLength: config.MaxContentLength,
		RedeliveryLimit:  config.RedeliveryLimit,
		HistoryLimit:     config.HistoryPageSize,
	})

	gw := gateway.NewGateway(logger, chat, registry, presenceStore, router, metrics, gateway.Config{
		SessionBuffer: config.SessionBufferSize,
		FrameRate:     config.FrameRatePerSecond,
		FrameBurst:    config.FrameBurst,
		PresenceGrace: config.PresenceGrace,
	})

	// Membership changes committed here evict local sessions and invalidate the caches of other nodes
	registry.OnMembershipChange(router.MembershipChanged)
	registry.OnMembershipChange(gw.MembershipChanged)
	router.OnInvalidate(func(_ context.Context, roomID domain.RoomID, _ string, _ bool) { registry.Invalidate(roomID) })
	router.OnInvalidate(gw.MembershipChanged)
	router.OnRemoteDelivered(chat.MarkDelivered)
	router.OnRemoteFrame(chat.IndexRemoteFrame)

	// 5. Ops gRPC health
	authenticator := auth.NewTokenAuthenticator(config.JwtSecret, config.JwtIssuer)
	health := server.NewHealthServer(logger, authenticator, config.HealthProbeInterval)
	health.AddCheck("badger", func(context.Context) error {
		if db.IsClosed() {
			return fmt.Errorf("badger is closed")
		}
		return nil
	})
	if rdb != nil {
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	// 6. Supervised workers
	expiry, err := workers.NewExpiryWorker(logger, config.ExpiryCron, chat, registry)
	if err != nil {
		return exitConfig, err
	}
	sup := workers.NewSupervisor(logger, metrics, config.RestartInterval)
	sup.Add(
		workers.NewNotificationWorker(logger, queue, messages, notification.NewLogSender(logger), metrics, workers.NotificationConfig{
			PollInterval: config.NotificationPollInterval,
			BatchSize:    config.NotificationBatchSize,
			MaxAttempts:  config.NotificationMaxAttempts,
			Backoff:      config.NotificationBackoff,
		}),
		workers.NewPresenceSweepWorker(logger, gw, config.PresenceSweepInterval),
		workers.NewProcessMetricsWorker(logger, metrics, config.ProcessMetricsInterval),
		expiry,
		health,
	)
	if botInbox != nil {
		sup.Add(workers.NewBotWorker(logger, botInbox, services.NewKeywordResponder(triggers), chat))
	}
	if redisBus != nil {
		sup.Add(pubsub.NewListener(logger, redisBus, router))
	}

	// 7. HTTP routes
	handler := gateway.NewHandler(logger, gw, authenticator, gateway.TransportConfig{
		MaxFrameBytes: config.MaxFrameBytes,
		PongWait:      config.PongWait,
	})
	r := mux.NewRouter()
	r.Handle("/ws", handler)
	r.Handle("/ws/rooms/{roomID}", handler)
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !health.Probe(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if base := strings.TrimSuffix(config.AttachmentBaseURL, "/"); strings.HasPrefix(base, "/") {
		r.PathPrefix(base + "/").Handler(http.StripPrefix(base+"/", http.FileServer(http.Dir(attachments.Dir()))))
	}

	// 8. Context & Signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 2)
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		logger.Info("Starting workers...")
		sup.Run(ctx)
	}()

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Starting websocket gateway", "address", address, "node", nodeID, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	opsAddress := fmt.Sprintf("%s:%d", config.Host, config.OpsGrpcPort)
	listener, err := net.Listen("tcp", opsAddress)
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", opsAddress, err)
	}
	go func() {
		logger.Info("Starting ops gRPC server", "address", opsAddress)
		if err := health.Serve(listener); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// 9. Wait for Stop or Error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errChan:
	}

	// 10. Graceful shutdown: stop accepting, release sessions, then stop workers
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	gw.Shutdown(shutdownCtx)
	health.Stop()
	stop()
	sup.Stop()
	<-supDone

	if runErr != nil {
		return exitRuntime, runErr
	}
	logger.Info("Program stopped cleanly")
	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tle_arena/internal/api"
	"tle_arena/internal/app/broadcast"
	"tle_arena/internal/app/service"
	"tle_arena/internal/app/worker"
	"tle_arena/internal/common/security"
	"tle_arena/internal/domain/repository"
	"tle_arena/internal/platform/broker"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/database"
	"tle_arena/internal/platform/judge"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/memstore"
	"tle_arena/internal/platform/queue"
)

func main() {
	defer logger.Sync()
	log := logger.NewNamedLogger("main")

	// 1. Load Configuration
	config.Load()
	cfg := config.AppConfig
	log.Info("Configuration loaded.")

	// 2. Initialize JWT
	security.InitJWT(cfg.JWTKey, cfg.JWTExp)

	// 3. Storage
	var deps service.Deps
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		store := memstore.New()
		deps.Rooms, deps.Submissions, deps.Problems = store, store, store
		deps.Ratings, deps.Profiles = store, store
		log.Warn("Using in-memory storage; nothing survives a restart.")
	default:
		database.Connect()
		defer database.Close()
		users := repository.NewPgUserRepository(database.DB)
		deps.Rooms = repository.NewPgRoomRepository(database.DB)
		deps.Submissions = repository.NewPgSubmissionRepository(database.DB)
		deps.Problems = repository.NewPgProblemRepository(database.DB)
		deps.Ratings, deps.Profiles = users, users
	}

	// 4. Broadcast transports. The hub serves this process's sockets; Redis and
	// RabbitMQ relay to everything else.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub := broadcast.NewHub(broadcast.HubConfigFromAppConfig())
	go hub.Run(hubCtx)
	transports := broadcast.Fanout{hub}
	var relays []*broadcast.AsyncPublisher

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	close(workerDone)

	if cfg.RedisEnabled {
		queue.ConnectRedis()
		defer queue.CloseRedis()

		redisRelay := broadcast.NewAsyncPublisher("redis", broadcast.NewRedisPublisher(queue.RDB), 1024)
		relays = append(relays, redisRelay)
		transports = append(transports, redisRelay)

		retryQueue := queue.NewRetryQueue(queue.RDB, cfg.ProfileRetryQueueName)
		deps.RetryQueue = retryQueue
		deps.Guard = service.NewRedisSettlementGuard(queue.RDB, time.Duration(cfg.SettlementLockTTLSeconds)*time.Second)

		// 5. Profile retry worker (as a goroutine)
		retryWorker := worker.NewProfileRetryWorker(queue.RDB, retryQueue, deps.Profiles)
		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			retryWorker.Start(workerCtx)
		}()
	}

	if cfg.RabbitMQURL != "" {
		conn, err := broker.Connect(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			log.Fatalf("RabbitMQ: %v", err)
		}
		defer conn.Close()
		amqpRelay := broadcast.NewAsyncPublisher("amqp", broadcast.NewAMQPPublisher(conn.Channel, cfg.RabbitMQExchange), 1024)
		relays = append(relays, amqpRelay)
		transports = append(transports, amqpRelay)
	}

	deps.Publisher = broadcast.NewSequencer(transports)
	deps.Grader = judge.NewClientFromConfig()

	// 6. Arena
	arena := service.NewArena(service.ArenaConfigFromAppConfig(), deps)
	if err := arena.Recover(context.Background()); err != nil {
		log.Errorw("Failed to close rooms left by a previous run", "error", err)
	}

	// 7. Router & HTTP Server
	router := api.NewRouter(api.RouterDeps{
		RoomService:    service.NewRoomService(arena),
		MatchService:   service.NewMatchService(arena),
		Hub:            hub,
		OriginPatterns: cfg.WSAllowedOrigins,
	})

	// No WriteTimeout: WebSocket connections are long-lived; the HTTP routes
	// carry their own timeout middleware.
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("Server starting on port %s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", cfg.APIPort, err)
		}
	}()

	<-stop

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	hubCancel() // closes sockets so Shutdown is not held up by them
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Server shutdown failed", "error", err)
	}
	arena.Close()
	workerCancel()
	<-workerDone
	for _, r := range relays {
		r.Close()
	}

	log.Info("Server and worker stopped gracefully.")
}

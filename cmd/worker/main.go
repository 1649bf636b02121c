// Command worker runs the profile retry worker on its own, for deployments
// that keep API processes free of background jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"tle_arena/internal/app/worker"
	"tle_arena/internal/domain/repository"
	"tle_arena/internal/platform/config"
	"tle_arena/internal/platform/database"
	"tle_arena/internal/platform/logger"
	"tle_arena/internal/platform/queue"
)

func main() {
	defer logger.Sync()
	log := logger.NewNamedLogger("worker-main")

	config.Load()
	cfg := config.AppConfig
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Fatal("The retry worker needs postgres storage; STORAGE_DRIVER=memory has no shared state to repair.")
	}

	database.Connect()
	defer database.Close()
	queue.ConnectRedis()
	defer queue.CloseRedis()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	retryQueue := queue.NewRetryQueue(queue.RDB, cfg.ProfileRetryQueueName)
	w := worker.NewProfileRetryWorker(queue.RDB, retryQueue, repository.NewPgUserRepository(database.DB))

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(ctx)
	}()

	<-sigs
	log.Info("Shutdown signal received.")
	cancel()
	wg.Wait()
	log.Info("Worker exited cleanly.")
}

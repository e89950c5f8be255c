// Sentinel worker: one process per (language, instance). Claims jobs from
// its queue, executes them in isolated workspaces, and writes results back
// to the broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sentinel/internal/broker"
	"sentinel/internal/config"
	"sentinel/internal/executor"
	"sentinel/internal/languages"
	"sentinel/internal/logging"
	"sentinel/internal/worker"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.WorkerFromEnv()
	if cfg.Language == "" {
		log.Fatal("LANGUAGE environment variable is required")
	}

	registry, err := languages.Load(cfg.LanguageConfigDir)
	if err != nil {
		log.Fatal("failed to load language configs", zap.Error(err))
	}
	desc, ok := registry.Get(cfg.Language)
	if !ok {
		log.Fatal("no descriptor for configured language",
			zap.String("language", cfg.Language))
	}

	client, err := broker.Connect(cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer client.Close()

	exec, err := executor.New(config.WorkspaceRoot(), config.CacheRoot())
	if err != nil {
		log.Fatal("failed to prepare executor", zap.Error(err))
	}

	queueName := worker.QueueName(cfg.Language, cfg.ExecutorID)
	queue := broker.NewQueue(client, queueName, broker.DefaultOptions())
	w := worker.New(queue, exec, desc, cfg.Concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutdown signal received, draining")
		cancel()
	}()

	w.Run(ctx)
}

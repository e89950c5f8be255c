// Sentinel dispatcher: accepts code-execution jobs over HTTP, places them
// on per-language Redis queues, and serves result and load lookups.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/broker"
	"sentinel/internal/config"
	"sentinel/internal/dispatcher"
	"sentinel/internal/languages"
	"sentinel/internal/logging"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.ServerFromEnv()

	registry, err := languages.Load(cfg.LanguageConfigDir)
	if err != nil {
		log.Fatal("failed to load language configs", zap.Error(err))
	}
	if registry.Len() == 0 {
		log.Fatal("no valid language configs found",
			zap.String("dir", cfg.LanguageConfigDir))
	}

	client, err := broker.Connect(cfg.Redis)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer client.Close()

	d := dispatcher.New(client, registry, cfg.QueueInstances)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      d.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("dispatcher listening",
			zap.Int("port", cfg.Port),
			zap.Int("languages", registry.Len()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down dispatcher")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}
	log.Info("dispatcher stopped")
}
